// acl_model inspects Ascend offline models (.om) and runs forward passes on them.
//
// Usage:
//
//	acl_model [flags] <model.om>
//
// The ACL runtime is selected with -runtime (or $MMDEPLOY_ACL_RUNTIME): "native:<acl.json>" uses the device
// (it requires building with the "ascend" tag), and "sim" uses the simulated runtime, which reads the models
// from YAML files.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/janpfeifer/must"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/testacc-art/mmdeploy/backends/acl"
	_ "github.com/testacc-art/mmdeploy/backends/acl/native"
	_ "github.com/testacc-art/mmdeploy/backends/acl/sim"
	"github.com/testacc-art/mmdeploy/pkg/ascend"
)

var (
	flagRuntime = flag.String("runtime", "", `ACL runtime configuration, formatted as "<runtime>:<config>", `+
		`e.g. "native:/etc/acl.json" or "sim". Defaults to $`+acl.RuntimeEnvVar+` or the first registered runtime.`)

	flagDevice  = flag.Int("device", 0, "Device id to load the model on.")
	flagInspect = flag.Bool("inspect", true, "Print the bindings and the admissible shapes of the model.")
	flagRun     = flag.Int("run", 0, "Number of forward passes to run.")
	flagQuiet   = flag.Bool("quiet", false, "Don't display a progress bar.")

	flagSessions = flag.Int("sessions", 1, "Number of sessions loading the model, forward passes "+
		"are spread over them and run concurrently.")

	flagImage = flag.String("image", "", "Image file used for the first float32 NCHW input: it is resized to the "+
		"input height and width. Other inputs are filled with random values.")

	flagHW = flag.String("hw", "", `Image size "<height>x<width>" for models with dynamic image sizes. `+
		"Defaults to the first size admitted by the model.")

	flagBatch   = flag.Int("batch", 1, "Batch size used for the dynamic leading axes of the inputs.")
	flagProfile = flag.Int("profile", 0, "Index of the profile used for models with dynamic dims profiles.")
	flagSeed    = flag.Uint64("seed", 42, "Seed for the random inputs.")

	flagMetricsAddr = flag.String("metrics_addr", "", `If set, serve Prometheus metrics of the sessions on `+
		`"http://<metrics_addr>/metrics" while the program runs, e.g. "localhost:9090".`)
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing model file to load. See 'acl_model -help'")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'acl_model -help'.")
		os.Exit(1)
	}
	if *flagSessions < 1 || *flagBatch < 1 || *flagRun < 0 {
		klog.Errorf("-sessions and -batch must be positive and -run can't be negative.")
		os.Exit(1)
	}
	choice := shapeChoice{batch: *flagBatch, profile: *flagProfile}
	if *flagHW != "" {
		choice.hw = must.M1(parseHW(*flagHW))
	}

	var rt acl.Runtime
	if *flagRuntime != "" {
		rt = must.M1(acl.NewWithConfig(*flagRuntime))
	} else {
		rt = must.M1(acl.New())
	}
	klog.V(1).Infof("using ACL runtime %q", rt.Name())
	contexts := ascend.NewContextRegistry(rt, "")
	if *flagMetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		contexts.SetMetrics(ascend.NewMetrics(reg))
		go serveMetrics(*flagMetricsAddr, reg)
	}
	sessions := make([]*ascend.Session, 0, *flagSessions)
	for range *flagSessions {
		session, err := ascend.Open(contexts, args[0], *flagDevice)
		if err != nil {
			finalize(contexts, sessions)
			klog.Errorf("Failed to load model: %+v", err)
			os.Exit(1)
		}
		sessions = append(sessions, session)
	}

	if *flagInspect {
		inspect(sessions[0])
	}
	if *flagRun > 0 {
		report, err := runForward(sessions, runConfig{
			numRuns:   *flagRun,
			choice:    choice,
			imagePath: *flagImage,
			seed:      *flagSeed,
			quiet:     *flagQuiet,
		})
		if err != nil {
			finalize(contexts, sessions)
			klog.Errorf("Failed to run the model: %+v", err)
			os.Exit(1)
		}
		printReport(report, sessions[0].OutputNames())
	}
	finalize(contexts, sessions)
}

// serveMetrics serves the metrics registered in reg until the program exits.
func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	klog.Infof("serving metrics on http://%s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		klog.Errorf("Failed to serve metrics on %q: %+v", addr, err)
	}
}

// finalize releases the sessions and then the device contexts.
func finalize(contexts *ascend.ContextRegistry, sessions []*ascend.Session) {
	for _, session := range sessions {
		session.Finalize()
	}
	if err := contexts.Finalize(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to release the device contexts: %+v\n", err)
	}
}
