package supervisor

import (
	"os/exec"
	"strings"
	"sync"
	"time"
)

type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
	StateFailed  State = "failed"
	StateStopped State = "stopped"
)

// Command is what to launch for a site. Env holds KEY=VALUE additions
// on top of the supervisor's own environment.
type Command struct {
	Argv []string `json:"argv"`
	Dir  string   `json:"dir"`
	Env  []string `json:"env,omitempty"`
}

func (c Command) String() string {
	return strings.Join(c.Argv, " ")
}

// Process is one launched command owned by the supervisor.
type Process struct {
	Domain    string
	Command   Command
	StartedAt time.Time
	LogPath   string

	mu      sync.Mutex
	pid     int
	state   State
	err     error
	endedAt time.Time
	cmd     *exec.Cmd
	done    chan struct{}
}

// Info is a point-in-time copy of a Process, safe to serialize.
type Info struct {
	Domain    string    `json:"domain"`
	Pid       int       `json:"pid"`
	Command   []string  `json:"command"`
	Dir       string    `json:"dir"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	LogPath   string    `json:"log_path"`
}

func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err is the launch or exit error, nil while running or after a clean exit.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Done is closed once the process has exited or failed to launch.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := Info{
		Domain:    p.Domain,
		Pid:       p.pid,
		Command:   append([]string(nil), p.Command.Argv...),
		Dir:       p.Command.Dir,
		State:     p.state,
		StartedAt: p.StartedAt,
		EndedAt:   p.endedAt,
		LogPath:   p.LogPath,
	}
	if p.err != nil {
		info.Error = p.err.Error()
	}
	return info
}

// finish records the outcome of Wait. A stopped process keeps its state.
func (p *Process) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.endedAt = time.Now()
	if p.state == StateStopped {
		return
	}
	if err != nil {
		p.state = StateFailed
		p.err = err
		return
	}
	p.state = StateExited
}
