package supervisor

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hpcloud/tail"

	"github.com/supreme-majesty/siteward/pkg/events"
	"github.com/supreme-majesty/siteward/pkg/site"
	"github.com/supreme-majesty/siteward/pkg/util"
)

// DefaultStopWait bounds how long Start waits for a replaced process to
// exit before launching its successor.
const DefaultStopWait = 3 * time.Second

// Supervisor keeps at most one process per domain.
type Supervisor struct {
	LogDir   string
	StopWait time.Duration

	bus    *events.Bus
	logger *log.Logger
	locks  *util.KeyedMutex

	mu    sync.RWMutex
	procs map[string]*Process

	watchMu  sync.Mutex
	watchers map[string]*tail.Tail
}

func New(logDir string, bus *events.Bus, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Supervisor{
		LogDir:   logDir,
		StopWait: DefaultStopWait,
		bus:      bus,
		logger:   logger,
		locks:    util.NewKeyedMutex(),
		procs:    make(map[string]*Process),
		watchers: make(map[string]*tail.Tail),
	}
}

// Start replaces whatever runs for domain with c. The previous process
// group is sent SIGTERM first.
//
// The returned error covers only problems found before launching. A
// command that cannot be executed yields a Process in StateFailed, a
// ProcessStartFailed event and a nil error.
func (s *Supervisor) Start(domain string, c Command) (*Process, error) {
	if err := site.ValidateDomain(domain); err != nil {
		return nil, err
	}
	if len(c.Argv) == 0 {
		return nil, fmt.Errorf("empty command for %s", domain)
	}

	unlock := s.locks.Lock(domain)
	defer unlock()

	if prev := s.detach(domain); prev != nil {
		s.terminate(prev)
		select {
		case <-prev.Done():
		case <-time.After(s.StopWait):
			s.logger.Printf("[WARN] %s: pid %d still running after %s, starting replacement anyway", domain, prev.Pid(), s.StopWait)
		}
	}

	logFile, err := s.openLog(domain)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	prepareCommand(cmd)

	p := &Process{
		Domain:    domain,
		Command:   c,
		StartedAt: time.Now(),
		LogPath:   logFile.Name(),
		state:     StateRunning,
		cmd:       cmd,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.procs[domain] = p
	s.mu.Unlock()

	fmt.Fprintf(logFile, "[siteward] %s starting %q in %s\n", p.StartedAt.Format(time.RFC3339), c.String(), c.Dir)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		startErr := &site.StartError{Domain: domain, Command: c.String(), Err: err}
		p.finish(startErr)
		close(p.done)

		s.logger.Printf("[ERROR] %v", startErr)
		s.bus.Emit(events.ProcessStartFailed, domain, p.Info())
		return p, nil
	}

	p.mu.Lock()
	p.pid = cmd.Process.Pid
	p.mu.Unlock()

	s.logger.Printf("[INFO] %s: started pid %d: %s", domain, cmd.Process.Pid, c.String())
	s.bus.Emit(events.ProcessStarted, domain, p.Info())

	go s.wait(p, logFile)
	return p, nil
}

func (s *Supervisor) wait(p *Process, logFile *os.File) {
	err := p.cmd.Wait()
	fmt.Fprintf(logFile, "[siteward] %s exited: %v\n", time.Now().Format(time.RFC3339), exitText(err))
	logFile.Close()

	p.finish(err)
	close(p.done)

	info := p.Info()
	if info.State == StateFailed {
		s.logger.Printf("[WARN] %s: pid %d exited: %v", p.Domain, info.Pid, err)
	} else {
		s.logger.Printf("[INFO] %s: pid %d exited (%s)", p.Domain, info.Pid, info.State)
	}
	s.bus.Emit(events.ProcessExited, p.Domain, info)
}

// Stop signals the tracked process group for domain and forgets it. The
// entry is removed even when signalling fails; that error is returned for
// reporting only. Stopping an untracked domain is a no-op.
func (s *Supervisor) Stop(domain string) error {
	if err := site.ValidateDomain(domain); err != nil {
		return err
	}

	unlock := s.locks.Lock(domain)
	defer unlock()

	p := s.detach(domain)
	if p == nil {
		return nil
	}
	return s.terminate(p)
}

// Shutdown stops every tracked process.
func (s *Supervisor) Shutdown() {
	for _, info := range s.List() {
		if err := s.Stop(info.Domain); err != nil {
			s.logger.Printf("[WARN] %s: %v", info.Domain, err)
		}
	}
	s.StopFollowingAll()
}

func (s *Supervisor) detach(domain string) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procs[domain]
	if !ok {
		return nil
	}
	delete(s.procs, domain)
	return p
}

func (s *Supervisor) terminate(p *Process) error {
	p.mu.Lock()
	pid := p.pid
	if p.state == StateRunning {
		p.state = StateStopped
	}
	p.mu.Unlock()

	if pid == 0 {
		return nil
	}

	// Signal the group even if the leader already exited; children may
	// still be alive. An empty group means there is nothing left to stop.
	err := terminateGroup(p.cmd, pid)
	if err != nil && isNoSuchProcess(err) {
		return nil
	}
	if err != nil {
		s.logger.Printf("[WARN] %s: failed to signal process group %d: %v", p.Domain, pid, err)
		return fmt.Errorf("signal %s (pid %d): %w", p.Domain, pid, err)
	}

	s.logger.Printf("[INFO] %s: sent SIGTERM to process group %d", p.Domain, pid)
	s.bus.Emit(events.ProcessStopped, p.Domain, p.Info())
	return nil
}

// Get returns a snapshot of the tracked process for domain.
func (s *Supervisor) Get(domain string) (Info, bool) {
	s.mu.RLock()
	p, ok := s.procs[domain]
	s.mu.RUnlock()
	if !ok {
		return Info{}, false
	}
	return p.Info(), true
}

// List returns snapshots of every tracked process, sorted by domain.
func (s *Supervisor) List() []Info {
	s.mu.RLock()
	out := make([]Info, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p.Info())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// LogPath is the file the process for domain writes its output to.
func (s *Supervisor) LogPath(domain string) string {
	return filepath.Join(s.LogDir, domain+".log")
}

func (s *Supervisor) openLog(domain string) (*os.File, error) {
	if err := os.MkdirAll(s.LogDir, 0755); err != nil {
		return nil, site.NewPermissionError(s.LogDir, err)
	}
	f, err := os.OpenFile(s.LogPath(domain), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log for %s: %w", domain, err)
	}
	return f, nil
}

func exitText(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
