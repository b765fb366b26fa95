package main

import (
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/testacc-art/mmdeploy/internal/workerspool"
	"github.com/testacc-art/mmdeploy/pkg/ascend"
	"github.com/testacc-art/mmdeploy/types/tensors"
)

// runConfig configures a benchmark of forward passes.
type runConfig struct {
	numRuns   int
	choice    shapeChoice
	imagePath string
	seed      uint64
	quiet     bool
}

// runReport is the outcome of the forward passes.
type runReport struct {
	latencies []time.Duration
	total     time.Duration
	outputs   map[string]*tensors.Tensor
}

// runForward runs cfg.numRuns forward passes spread over the sessions, each session running one pass at a
// time, and reports the latencies and the outputs of the last pass.
func runForward(sessions []*ascend.Session, cfg runConfig) (*runReport, error) {
	first := sessions[0]
	rng := rand.New(rand.NewPCG(cfg.seed, cfg.seed+1))
	allDims, err := concreteDims(first.Resolver(), first.Descriptor().Inputs(), cfg.choice)
	if err != nil {
		return nil, err
	}
	inputs, err := buildInputs(rng, first.Descriptor().Inputs(), allDims, cfg.imagePath)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("running %d forward passes over %d sessions with inputs %v", cfg.numRuns, len(sessions), allDims)

	var bar *progressbar.ProgressBar
	if !cfg.quiet {
		output := termenv.NewOutput(os.Stdout)
		output.HideCursor()
		defer output.ShowCursor()
		bar = progressbar.NewOptions(cfg.numRuns,
			progressbar.OptionSetDescription("forward"),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("runs"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionSetWriter(os.Stdout),
			progressbar.OptionOnCompletion(func() { fmt.Println() }),
		)
	}

	pool := workerspool.New()
	pool.SetMaxParallelism(len(sessions))
	idle := make(chan *ascend.Session, len(sessions))
	for _, session := range sessions {
		idle <- session
	}

	report := &runReport{latencies: make([]time.Duration, 0, cfg.numRuns)}
	var (
		mu       sync.Mutex
		firstErr error
	)
	start := time.Now()
	for range cfg.numRuns {
		mu.Lock()
		failed := firstErr != nil
		mu.Unlock()
		if failed {
			break
		}
		pool.WaitToStart(func() {
			session := <-idle
			defer func() { idle <- session }()
			runStart := time.Now()
			outputs, err := session.Forward(inputs)
			elapsed := time.Since(runStart)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = errors.WithMessagef(err, "session %s", session.ID())
				}
				return
			}
			report.latencies = append(report.latencies, elapsed)
			report.outputs = outputs
			if bar != nil {
				_ = bar.Add(1)
			}
		})
	}
	pool.Wait()
	report.total = time.Since(start)
	if firstErr != nil {
		return nil, firstErr
	}
	return report, nil
}

// printReport prints the latency statistics and the shapes of the outputs of the last pass.
func printReport(report *runReport, outputNames []string) {
	fmt.Println(titleStyle.Render("Timing"))
	table := newPlainTable(false, lipgloss.Right, lipgloss.Left)
	latencies := slices.Clone(report.latencies)
	slices.Sort(latencies)
	var sumLatency time.Duration
	for _, latency := range latencies {
		sumLatency += latency
	}
	n := len(latencies)
	table.Row("# runs", humanize.Comma(int64(n)))
	table.Row("total", report.total.String())
	if n > 0 {
		table.Row("throughput", fmt.Sprintf("%s runs/s", humanize.FormatFloat("#,###.##", float64(n)/report.total.Seconds())))
		table.Row("mean", (sumLatency / time.Duration(n)).String())
		table.Row("min", latencies[0].String())
		table.Row("median", latencies[n/2].String())
		table.Row("p90", latencies[min(n-1, n*9/10)].String())
		table.Row("max", latencies[n-1].String())
	}
	fmt.Println(table.Render())

	if report.outputs == nil {
		return
	}
	fmt.Println(titleStyle.Render("Outputs"))
	outputs := newPlainTable(true, lipgloss.Left)
	outputs.Headers("Name", "Shape", "Bytes")
	for _, name := range outputNames {
		t, found := report.outputs[name]
		if !found {
			continue
		}
		outputs.Row(name, t.Shape().String(), humanize.Bytes(uint64(t.Memory())))
	}
	fmt.Println(outputs.Render())
}
