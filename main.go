//go:build linux

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/armperf/perfcapd/agents"
	"github.com/armperf/perfcapd/buffer"
	"github.com/armperf/perfcapd/cpuid"
	"github.com/armperf/perfcapd/drivers"
	"github.com/armperf/perfcapd/external"
	"github.com/armperf/perfcapd/journal"
	"github.com/armperf/perfcapd/mali"
)

func main() {
	// spawned by the supervisor as an agent subprocess
	if len(os.Args) > 2 && os.Args[1] == "--agent" {
		runAgent(os.Args[2])
		return
	}

	var (
		systemWide     = flag.Bool("system-wide", true, "profile the whole system rather than one application")
		sampleRate     = flag.Int("sample-rate", 1000, "periodic sample rate in Hz (0 disables)")
		backtraceDepth = flag.Int("backtrace-depth", 0, "maximum user callchain depth (0 disables unwinding)")
		excludeKernel  = flag.Bool("exclude-kernel", false, "do not count kernel-side activity")
		bufferSize     = flag.Int("buffer-size", 1<<20, "attrs ring buffer size in bytes")
		dataBufSize    = flag.Uint64("perf-mmap-size", 1<<19, "per-event perf data mmap size in bytes")
		auxBufSize     = flag.Uint64("aux-mmap-size", 1<<22, "per-event perf aux mmap size in bytes")
		pmusPath       = flag.String("pmus", "", "optional PMU descriptor override file")
		dataDir        = flag.String("data", "data", "directory for the capture journal and output")
		outPath        = flag.String("out", "", "capture output file (default <data>/capture.apc)")
		verbose        = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	if *verbose {
		cpuid.Debug = true
		agents.Debug = true
		drivers.Debug = true
		mali.Debug = true
	}

	capture, err := NewCapture(CaptureConfig{
		SystemWide:             *systemWide,
		SampleRate:             *sampleRate,
		EnablePeriodicSampling: *sampleRate > 0,
		BacktraceDepth:         *backtraceDepth,
		ExcludeKernelEvents:    *excludeKernel,
		BufferSize:             *bufferSize,
		DataBufferSize:         *dataBufSize,
		AuxBufferSize:          *auxBufSize,
		PmusPath:               *pmusPath,
	})
	if err != nil {
		fmt.Printf("Failed to configure capture: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Capture configured: %q, %d cores, %d groups, %d events\n",
		capture.HardwareName, len(capture.CpuIDs), len(capture.Groups), capture.TotalEvents())

	// the journal is advisory; a failure must not stop the capture
	var captureJournal *journal.Journal
	var session int64
	if j, err := journal.New(*dataDir); err != nil {
		log.Printf("Warning: capture journal unavailable: %v", err)
	} else {
		captureJournal = j
		defer j.Close()
		if session, err = j.BeginSession(capture.HardwareName, len(capture.CpuIDs), *sampleRate, *systemWide); err != nil {
			log.Printf("Warning: %v", err)
		}
	}

	if *outPath == "" {
		*outPath = filepath.Join(*dataDir, "capture.apc")
	}
	out, err := os.Create(*outPath)
	if err != nil {
		fmt.Printf("Failed to create output %s: %v\n", *outPath, err)
		os.Exit(1)
	}
	defer out.Close()

	feedBuffer := buffer.NewBuffer(*bufferSize)
	feed := external.NewFeed(feedBuffer)
	sources := []Source{feed}

	stream := newSender(out)
	stream.drain("perf-attrs", capture.Attrs.ReadFrame)
	stream.drain("external", feedBuffer.ReadFrame)

	d := &daemon{
		capture: capture,
		feed:    feed,
		journal: captureJournal,
		session: session,
		done:    make(chan struct{}),
	}

	spawner, err := agents.NewSelfExecSpawner()
	if err != nil {
		fmt.Printf("Failed to set up agent spawner: %v\n", err)
		os.Exit(1)
	}
	d.supervisor = agents.NewSupervisor(d, spawner)
	d.supervisor.Start()

	// the external source agent receives the write end of a feed pipe
	agentPipe, err := feed.AddAgentPipe()
	if err != nil {
		fmt.Printf("Failed to create agent pipe: %v\n", err)
		os.Exit(1)
	}
	if ok := <-d.supervisor.AsyncAddAgent("external", []*os.File{agentPipe}, d.workerFactory()); !ok {
		log.Printf("Warning: external source agent did not start")
	}
	agentPipe.Close() // the agent owns its copy now

	if ok := <-d.supervisor.AsyncAddAgent("perf", nil, d.workerFactory()); !ok {
		log.Printf("Warning: perf agent did not start")
	}

	for _, source := range sources {
		if err := source.Start(); err != nil {
			log.Printf("Warning: source %s failed to start: %v", source.Name(), err)
		}
	}
	capture.Atrace.Start()

	fmt.Println("Capture started... Press Ctrl+C to stop")
	<-d.done

	// teardown: stop producers, drain the stream, stamp the journal
	for _, source := range sources {
		source.Stop()
	}
	feedBuffer.Close()
	capture.Attrs.Close()
	stream.wait()

	if captureJournal != nil && session > 0 {
		if err := captureJournal.EndSession(session); err != nil {
			log.Printf("Warning: %v", err)
		}
	}
	fmt.Println("Capture written to", *outPath)
}

// daemon ties the supervisor's notifications to the capture lifecycle.
type daemon struct {
	supervisor *agents.Supervisor
	capture    *Capture
	feed       *external.Feed
	journal    *journal.Journal
	session    int64

	shutdownOnce sync.Once
	done         chan struct{}
}

// OnTerminalSignal initiates a clean shutdown on HUP/INT/TERM/ABRT.
func (d *daemon) OnTerminalSignal(signo os.Signal) {
	fmt.Printf("\nReceived %v, shutting down...\n", signo)
	d.shutdownOnce.Do(func() {
		d.capture.Atrace.Stop()
		d.supervisor.AsyncShutdown()
	})
}

// OnAgentThreadTerminated fires once all agents exited and the reactor
// stopped.
func (d *daemon) OnAgentThreadTerminated() {
	close(d.done)
}

// workerFactory builds agent workers that also feed the capture journal.
func (d *daemon) workerFactory() agents.WorkerFactory {
	return func(proc *agents.Process, observer agents.StateChangeObserver) agents.Worker {
		d.recordAgentEvent(proc.Pid, journal.AgentLaunched)
		journalled := func(pid int, oldState, newState agents.State) {
			switch newState {
			case agents.StateReady:
				d.recordAgentEvent(pid, journal.AgentReady)
			case agents.StateTerminated:
				d.recordAgentEvent(pid, journal.AgentExited)
			}
			observer(pid, oldState, newState)
		}
		return agents.NewAgentWorker(proc, journalled)
	}
}

func (d *daemon) recordAgentEvent(pid int, event string) {
	if d.journal == nil || d.session <= 0 {
		return
	}
	if err := d.journal.RecordAgentEvent(d.session, pid, event); err != nil {
		log.Printf("Warning: %v", err)
	}
}
