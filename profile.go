package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	memProfileRate = 4096
	timeFormat     = "20060102_150405"
)

// profile starts one kind of profile writing to f and returns its stop func.
type profile struct {
	kind  string
	start func(f *os.File) (stop func(), err error)
}

func lookupWriter(name string, before, after func()) func(f *os.File) (func(), error) {
	return func(f *os.File) (func(), error) {
		if before != nil {
			before()
		}
		return func() {
			if p := pprof.Lookup(name); p != nil {
				_ = p.WriteTo(f, 0)
			}
			if after != nil {
				after()
			}
		}, nil
	}
}

var profiles = []profile{
	{"cpu", func(f *os.File) (func(), error) {
		if err := pprof.StartCPUProfile(f); err != nil {
			return nil, err
		}
		return pprof.StopCPUProfile, nil
	}},
	{"mem", func(f *os.File) (func(), error) {
		old := runtime.MemProfileRate
		runtime.MemProfileRate = memProfileRate
		return lookupWriter("heap", nil, func() { runtime.MemProfileRate = old })(f)
	}},
	{"mutex", lookupWriter("mutex",
		func() { runtime.SetMutexProfileFraction(1) },
		func() { runtime.SetMutexProfileFraction(0) })},
	{"block", lookupWriter("block",
		func() { runtime.SetBlockProfileRate(1) },
		func() { runtime.SetBlockProfileRate(0) })},
	{"threadcreate", lookupWriter("threadcreate", nil, nil)},
	{"trace", func(f *os.File) (func(), error) {
		if err := trace.Start(f); err != nil {
			return nil, err
		}
		return trace.Stop, nil
	}},
}

// Profiler is a running set of profiles, toggled by SIGUSR2.
type Profiler struct {
	once  sync.Once
	stops []func()
}

// StartProfiler starts every profile, writing files under dataDir. Profiles
// that fail to start are logged and skipped.
func StartProfiler(dataDir string) *Profiler {
	p := &Profiler{}
	for _, prof := range profiles {
		fn := dumpFile(dataDir, prof.kind, "pprof")
		f, err := os.Create(fn)
		if err != nil {
			glog.Errorf("pprof: could not create %s profile %q: %v", prof.kind, fn, err)
			continue
		}
		stop, err := prof.start(f)
		if err != nil {
			glog.Errorf("pprof: could not start %s profile: %v", prof.kind, err)
			f.Close()
			continue
		}
		kind := prof.kind
		glog.Infof("pprof: %s profiling enabled, %s", kind, fn)
		p.stops = append(p.stops, func() {
			stop()
			f.Close()
			glog.Infof("pprof: %s profiling disabled, %s", kind, fn)
		})
	}
	return p
}

// Stop flushes and closes every profile. Later calls are no-ops.
func (p *Profiler) Stop() {
	p.once.Do(func() {
		for _, stop := range p.stops {
			stop()
		}
	})
}

func dumpFile(dir, kind, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s.%s", kind, time.Now().Format(timeFormat), ext))
}

func dumpGoroutines(dir string) {
	fn := dumpFile(dir, "goroutines", "dump")
	glog.Infof("dumping goroutine profile to %s", fn)
	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("failed to dump goroutine profile, error: %v", err)
		return
	}
	defer f.Close()
	if err := pprof.Lookup("goroutine").WriteTo(f, 2); err != nil {
		glog.Errorf("failed to write goroutine profile to %s, error: %v", fn, err)
	}
}
