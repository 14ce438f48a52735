package supervisor

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/hpcloud/tail"

	"github.com/supreme-majesty/siteward/pkg/events"
	"github.com/supreme-majesty/siteward/pkg/site"
)

// maxTailBytes caps how much of a log file Tail reads.
const maxTailBytes = 256 << 10

// OutputLine is the payload of a ProcessOutput event.
type OutputLine struct {
	Domain string `json:"domain"`
	Text   string `json:"text"`
}

// Follow streams new lines of the domain's log file onto the bus as
// ProcessOutput events until StopFollowing is called.
func (s *Supervisor) Follow(domain string) error {
	if err := site.ValidateDomain(domain); err != nil {
		return err
	}

	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if _, exists := s.watchers[domain]; exists {
		return nil
	}

	path := s.LogPath(domain)
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		Poll:      true,
		MustExist: false,
		Location: &tail.SeekInfo{
			Offset: 0,
			Whence: io.SeekEnd,
		},
		Logger: tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail %s: %w", path, err)
	}

	s.watchers[domain] = t
	go s.forward(domain, t)

	s.logger.Printf("[INFO] %s: following %s", domain, path)
	return nil
}

func (s *Supervisor) forward(domain string, t *tail.Tail) {
	for line := range t.Lines {
		if line.Err != nil || line.Text == "" {
			continue
		}
		s.bus.Emit(events.ProcessOutput, domain, OutputLine{Domain: domain, Text: line.Text})
	}
}

// StopFollowing ends a Follow for domain, if any.
func (s *Supervisor) StopFollowing(domain string) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if t, exists := s.watchers[domain]; exists {
		t.Stop()
		t.Cleanup()
		delete(s.watchers, domain)
	}
}

func (s *Supervisor) StopFollowingAll() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for domain, t := range s.watchers {
		t.Stop()
		t.Cleanup()
		delete(s.watchers, domain)
	}
}

// IsFollowing reports whether Follow is active for domain.
func (s *Supervisor) IsFollowing(domain string) bool {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	_, ok := s.watchers[domain]
	return ok
}

// Tail returns up to the last n lines of the domain's log file. A missing
// log yields no lines.
func (s *Supervisor) Tail(domain string, n int) ([]string, error) {
	if err := site.ValidateDomain(domain); err != nil {
		return nil, err
	}
	if n <= 0 {
		return []string{}, nil
	}

	f, err := os.Open(s.LogPath(domain))
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	offset := info.Size() - maxTailBytes
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, err
	}
	if offset > 0 {
		// Drop the partial first line.
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			buf = buf[i+1:]
		}
	}

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(buf))
	scanner.Buffer(make([]byte, 64<<10), maxTailBytes)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	if lines == nil {
		lines = []string{}
	}
	return lines, scanner.Err()
}
