// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// kernelrt runs the Canny edge detector kernels from the command line, and compiles the WGSL versions of
// the kernels to SPIR-V.
//
// Usage:
//
//	kernelrt [flags] edges -in image.png -out edges.png [-low 0.1] [-high 0.3] [-batch N] [-repeat N]
//	kernelrt [flags] compile
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"os"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/kernelrt/backends"
	_ "github.com/gomlx/kernelrt/backends/cpu"
	"github.com/gomlx/kernelrt/backends/wgsl"
	"github.com/gomlx/kernelrt/pkg/kernel"
	"github.com/gomlx/kernelrt/pkg/vision/canny"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagBackend = flag.String("backend", "", "Backend configuration, formatted as \"<backend_name>:<backend_configuration>\". "+
		fmt.Sprintf("If empty it uses $%s, or the first registered backend.", backends.ConfigEnvVar))
	flagMaxIterations = flag.Int("max_iter", kernel.DefaultMaxIterations, "Maximum number of edge tracking rounds. "+
		"0 means no limit: the tracking runs until it converges.")
	flagDebugFinish = flag.Bool("debug_finish", kernel.DebugFinishEnabled, "Wait for the queue to finish after "+
		"every kernel launch, so errors are reported by the launch that caused them.")
	flagStats = flag.Bool("stats", false, "Print the kernel cache statistics at the end.")
)

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "Usage: kernelrt [flags] <edges|compile> [command flags]\n\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	kernel.DebugFinishEnabled = *flagDebugFinish

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing command. See 'kernelrt -help'.")
		os.Exit(1)
	}
	var err error
	switch args[0] {
	case "edges":
		err = edgesCmd(args[1:])
	case "compile":
		err = compileCmd(args[1:])
	default:
		klog.Errorf("Unknown command %q. See 'kernelrt -help'.", args[0])
		os.Exit(1)
	}
	if err != nil {
		klog.Errorf("%s failed: %+v", args[0], err)
		os.Exit(1)
	}
}

func edgesCmd(args []string) error {
	cmdFlags := flag.NewFlagSet("edges", flag.ExitOnError)
	flagIn := cmdFlags.String("in", "", "Input image. Any format supported by the imaging package.")
	flagOut := cmdFlags.String("out", "edges.png", "Output image with the edges in white.")
	flagLow := cmdFlags.Float64("low", 0.1, "Weak edge threshold, as a fraction of the maximum gradient.")
	flagHigh := cmdFlags.Float64("high", 0.3, "Strong edge threshold, as a fraction of the maximum gradient.")
	flagBatch := cmdFlags.Int("batch", 1, "Number of copies of the image to process as one batch.")
	flagRepeat := cmdFlags.Int("repeat", 1, "Number of times to run the detection, for benchmarking.")
	_ = cmdFlags.Parse(args)
	if *flagIn == "" {
		return errors.New("missing -in image")
	}
	if *flagBatch < 1 || *flagRepeat < 1 {
		return errors.Errorf("-batch (%d) and -repeat (%d) must be >= 1", *flagBatch, *flagRepeat)
	}

	img, err := imaging.Open(*flagIn)
	if err != nil {
		return errors.Wrapf(err, "failed to read image %q", *flagIn)
	}
	pixels, width, height := grayscale(img)
	images := make([]float32, 0, len(pixels)*(*flagBatch))
	for range *flagBatch {
		images = append(images, pixels...)
	}

	backend, err := backends.NewWithConfig(*flagBackend)
	if err != nil {
		return err
	}
	defer backend.Finalize()
	klog.V(1).Infof("Backend: %s", backend.Description())
	cache := kernel.NewCache(backend)
	defer cache.Shutdown()
	queue, err := backend.NewQueue()
	if err != nil {
		return err
	}
	defer queue.Finalize()
	ops := canny.New(backend, cache, queue).WithMaxIterations(*flagMaxIterations)

	var edges []float32
	var rounds int
	var bar *progressbar.ProgressBar
	if *flagRepeat > 1 {
		bar = progressbar.Default(int64(*flagRepeat), "Detecting edges")
	}
	start := time.Now()
	for range *flagRepeat {
		edges, rounds, err = ops.Detect(images, width, height, float32(*flagLow), float32(*flagHigh))
		if err != nil {
			return err
		}
		if bar != nil {
			must.M(bar.Add(1))
		}
	}
	elapsed := time.Since(start)

	if err = imaging.Save(edgesImage(edges[:width*height], width, height), *flagOut); err != nil {
		return errors.Wrapf(err, "failed to save edges to %q", *flagOut)
	}

	fmt.Println(titleStyle.Render("Edges"))
	table := newPlainTable(false)
	table.Row("image", fmt.Sprintf("%s (%dx%d)", *flagIn, width, height))
	table.Row("batch", humanize.Comma(int64(*flagBatch)))
	table.Row("tracking rounds", humanize.Comma(int64(rounds)))
	table.Row("edge pixels", humanize.Comma(int64(countEdges(edges[:width*height]))))
	table.Row("time per run", (elapsed / time.Duration(*flagRepeat)).String())
	table.Row("output", *flagOut)
	fmt.Println(table.Render())
	if *flagStats {
		printStats(cache)
	}
	return nil
}

// grayscale converts img to luminance values in [0, 1], x being the fastest axis.
func grayscale(img image.Image) (pixels []float32, width, height int) {
	gray := imaging.Grayscale(img)
	bounds := gray.Bounds()
	width, height = bounds.Dx(), bounds.Dy()
	pixels = make([]float32, width*height)
	for y := range height {
		for x := range width {
			// Grayscale sets R=G=B.
			pixels[y*width+x] = float32(gray.Pix[y*gray.Stride+x*4]) / 255
		}
	}
	return
}

func edgesImage(edges []float32, width, height int) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			if edges[y*width+x] == canny.Strong {
				out.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return out
}

func countEdges(edges []float32) (count int) {
	for _, v := range edges {
		if v == canny.Strong {
			count++
		}
	}
	return
}

func compileCmd(args []string) error {
	cmdFlags := flag.NewFlagSet("compile", flag.ExitOnError)
	flagTypes := cmdFlags.String("types", "float", "Comma-separated element types to instantiate the kernels with.")
	flagValidate := cmdFlags.Bool("validate", true, "Validate the lowered module before generating SPIR-V.")
	flagDebug := cmdFlags.Bool("debug", false, "Include debug information in the SPIR-V output.")
	_ = cmdFlags.Parse(args)

	compiler := wgsl.NewCompiler().WithValidation(*flagValidate).WithDebug(*flagDebug)
	cache := kernel.NewCache(compiler)
	defer cache.Shutdown()

	fmt.Println(titleStyle.Render("WGSL kernels"))
	table := newPlainTable(true)
	table.Row("Key", "SPIR-V", "Compile Time", "Status")
	var numFailures int
	for _, typename := range splitList(*flagTypes) {
		for _, src := range canny.WGSLSources() {
			key := kernel.NewKey(src.Name, []string{typename},
				kernel.Definitions(kernel.DefineKeyValue("T", typename)))
			k, err := cache.Resolve(key, src.Source)
			if err != nil {
				numFailures++
				klog.V(1).Infof("%v", err)
				table.Row(key.String(), "-", "-", "failed")
				continue
			}
			size := "-"
			if program, ok := k.Program().(*wgsl.Program); ok {
				size = humanize.Bytes(uint64(len(program.SPIRV())))
			}
			table.Row(key.String(), size, k.CompileTime().String(), "ok")
		}
	}
	fmt.Println(table.Render())
	if *flagStats {
		printStats(cache)
	}
	if numFailures > 0 {
		return errors.Errorf("%d kernels failed to compile, use -v=1 for the compiler logs", numFailures)
	}
	return nil
}

func splitList(list string) []string {
	var parts []string
	for _, part := range strings.Split(list, ",") {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
