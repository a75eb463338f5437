package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"runtime/pprof"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/mpokimwaisela/openfhe-pim/internal/modular"
	"github.com/mpokimwaisela/openfhe-pim/internal/pim"
)

var (
	units      = flag.Int("units", 8, "Number of simulated compute units (power of two for NTT)")
	memPerUnit = flag.Int("mem", 4<<20, "Managed memory per unit in bytes")
	vecLen     = flag.Int("n", 1<<14, "Vector length (power of two, divisible by units)")
	modulus    = flag.Uint64("mod", 65537, "Prime modulus; p-1 must be divisible by n for transforms")
	iters      = flag.Int("iters", 100, "Iterations per benchmark")
	listenAddr = flag.String("listen", "", "Address to serve Prometheus metrics on (e.g. :8080)")
	cpuProfile = flag.String("cpuprofile", "", "Write cpu profile to file")
	enableOTel = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	duration   = flag.Duration("duration", 0, "Run soak loop for specified duration instead of fixed iterations")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	if *listenAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			log.Info().Str("addr", *listenAddr).Msg("Serving metrics")
			if err := http.ListenAndServe(*listenAddr, nil); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	mgr, err := pim.Init(pim.Config{Units: *units, MemPerUnit: uint32(*memPerUnit)})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize runtime")
	}
	defer mgr.Close()

	if *duration > 0 {
		soak(mgr)
		return
	}

	runBench(mgr, "eltwise_add_mod", benchAdd(mgr))
	runBench(mgr, "eltwise_mul_mod", benchMul(mgr))
	runBench(mgr, "eltwise_fma_mod", benchFMA(mgr))
	runBench(mgr, "ntt_roundtrip", benchNTT(mgr))

	stats := mgr.Stats()
	log.Info().
		Uint64("scatters", stats.Scatters).
		Uint64("gathers", stats.Gathers).
		Uint64("execs", stats.Execs).
		Msg("Transfer totals")
}

// runBench times fn for the configured iteration count and reports mean and
// tail latency.
func runBench(mgr *pim.Manager, name string, fn func() error) {
	if fn == nil {
		log.Warn().Str("bench", name).Msg("Skipped")
		return
	}
	lat := make([]float64, 0, *iters)
	for i := 0; i < *iters; i++ {
		start := time.Now()
		if err := fn(); err != nil {
			log.Fatal().Err(err).Str("bench", name).Msg("Benchmark iteration failed")
		}
		lat = append(lat, time.Since(start).Seconds())
	}
	sort.Float64s(lat)
	log.Info().
		Str("bench", name).
		Int("iters", *iters).
		Float64("mean_ms", stat.Mean(lat, nil)*1e3).
		Float64("p50_ms", stat.Quantile(0.50, stat.Empirical, lat, nil)*1e3).
		Float64("p99_ms", stat.Quantile(0.99, stat.Empirical, lat, nil)*1e3).
		Msg("Benchmark complete")
}

func newOperands(mgr *pim.Manager) (a, b, dst *pim.Vector[pim.Word], err error) {
	a, err = newRamp(mgr, *vecLen, *modulus, 3)
	if err != nil {
		return nil, nil, nil, err
	}
	b, err = newRamp(mgr, *vecLen, *modulus, 7)
	if err != nil {
		a.Free()
		return nil, nil, nil, err
	}
	dst, err = pim.NewVector[pim.Word](mgr, *vecLen)
	if err != nil {
		a.Free()
		b.Free()
		return nil, nil, nil, err
	}
	return a, b, dst, nil
}

func newRamp(mgr *pim.Manager, n int, q uint64, seed uint64) (*pim.Vector[pim.Word], error) {
	v, err := pim.NewVector[pim.Word](mgr, n)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		if err := v.Set(i, modular.MulMod(uint64(i)+seed, seed*seed+1, q)); err != nil {
			v.Free()
			return nil, err
		}
	}
	if err := v.Commit(); err != nil {
		v.Free()
		return nil, err
	}
	return v, nil
}

func benchAdd(mgr *pim.Manager) func() error {
	a, b, dst, err := newOperands(mgr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build operands")
	}
	return func() error { return pim.EltwiseAddMod(dst, a, b, *modulus) }
}

func benchMul(mgr *pim.Manager) func() error {
	a, b, dst, err := newOperands(mgr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build operands")
	}
	return func() error { return pim.EltwiseMulMod(dst, a, b, *modulus) }
}

func benchFMA(mgr *pim.Manager) func() error {
	a, b, dst, err := newOperands(mgr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build operands")
	}
	return func() error { return pim.EltwiseFMAMod(dst, a, b, 12345, *modulus) }
}

func benchNTT(mgr *pim.Manager) func() error {
	v, err := newRamp(mgr, *vecLen, *modulus, 5)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build operands")
	}
	tw, err := pim.NewTwiddles(mgr, uint32(*vecLen), *modulus)
	if err != nil {
		log.Warn().Err(err).Msg("Modulus does not support transforms at this length, skipping NTT bench")
		v.Free()
		return nil
	}
	return func() error {
		if err := pim.NTT(v, tw, pim.Forward); err != nil {
			return err
		}
		return pim.NTT(v, tw, pim.Inverse)
	}
}

// soak runs the full op mix in a loop for the configured duration, logging
// throughput every ten iterations.
func soak(mgr *pim.Manager) {
	a, b, dst, err := newOperands(mgr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build operands")
	}
	log.Info().Str("duration", duration.String()).Msg("Starting soak loop")

	startTime := time.Now()
	endTime := startTime.Add(*duration)
	var totalElems int64
	var iter int

	for time.Now().Before(endTime) {
		if err := pim.EltwiseAddMod(dst, a, b, *modulus); err != nil {
			log.Fatal().Err(err).Msg("Soak iteration failed")
		}
		if err := pim.EltwiseMulMod(dst, dst, b, *modulus); err != nil {
			log.Fatal().Err(err).Msg("Soak iteration failed")
		}
		totalElems += int64(2 * *vecLen)
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Float64("elems_per_sec", float64(totalElems)/elapsed.Seconds()).
				Msg("Soak progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int("iters", iter).
		Dur("total_time", totalElapsed).
		Float64("avg_elems_per_sec", float64(totalElems)/totalElapsed.Seconds()).
		Msg("Soak complete")
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("pimbench"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
