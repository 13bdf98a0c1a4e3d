// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/kernelrt/pkg/kernel"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// printStats prints the cache counters and the compiled kernels.
func printStats(cache *kernel.Cache) {
	stats := cache.Stats()
	fmt.Println(titleStyle.Render("Kernel cache"))
	table := newPlainTable(false)
	table.Row("kernels", humanize.Comma(int64(cache.Len())))
	table.Row("hits", humanize.Comma(stats.Hits))
	table.Row("misses", humanize.Comma(stats.Misses))
	table.Row("waits", humanize.Comma(stats.Waits))
	table.Row("failures", humanize.Comma(stats.Failures))
	table.Row("compile time", stats.CompileTime.String())
	fmt.Println(table.Render())

	if cache.Len() == 0 {
		return
	}
	table = newPlainTable(true)
	table.Row("Key", "ID", "Compile Time")
	for _, k := range cache.Kernels() {
		table.Row(k.String(), k.ID().String(), k.CompileTime().String())
	}
	fmt.Println(table.Render())
}
