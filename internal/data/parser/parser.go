// Package parser reads APEL cloud message dumps back into sessions.
package parser

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/util"
)

const (
	cloudHeaderPrefix = "APEL-cloud-message:"
	separator         = "%%"
)

// Parser parses dump files, caching results per path.
type Parser struct {
	concurrency int
	mu          sync.Mutex
	cache       map[string][]*model.Session
}

// ParseResult is the outcome for one file.
type ParseResult struct {
	File     string
	Sessions []*model.Session
	Error    error
}

func NewParser(concurrency int) *Parser {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Parser{
		concurrency: concurrency,
		cache:       make(map[string][]*model.Session),
	}
}

// ParseFile parses one dump file.
func (p *Parser) ParseFile(path string) ([]*model.Session, error) {
	p.mu.Lock()
	if cached, ok := p.cache[path]; ok {
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	util.LogDebug(fmt.Sprintf("Start parsing file: %s", path))

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	sessions, err := ParseReader(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	p.mu.Lock()
	p.cache[path] = sessions
	p.mu.Unlock()
	return sessions, nil
}

// ParseFiles parses files concurrently. Results arrive in completion order.
func (p *Parser) ParseFiles(files []string) <-chan ParseResult {
	start := time.Now()
	results := make(chan ParseResult, len(files))
	var wg sync.WaitGroup

	util.LogDebug(fmt.Sprintf("Start concurrent parsing of %d files, concurrency: %d", len(files), p.concurrency))

	semaphore := make(chan struct{}, p.concurrency)
	for _, file := range files {
		wg.Add(1)
		go func(f string) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			sessions, err := p.ParseFile(f)
			if err != nil {
				util.LogDebug(fmt.Sprintf("File parsing failed: %s - %v", f, err))
			}
			results <- ParseResult{File: f, Sessions: sessions, Error: err}
		}(file)
	}

	go func() {
		wg.Wait()
		close(results)
		util.LogDebug(fmt.Sprintf("Concurrent parsing finished, total duration: %v", time.Since(start)))
	}()

	return results
}

// ParseReader reads every record after the first cloud message header. Records that do not
// form a consistent session are skipped with a warning.
func ParseReader(r io.Reader) ([]*model.Session, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		sessions []*model.Session
		fields   map[string]string
		inBody   bool
	)
	flush := func() {
		if len(fields) == 0 {
			return
		}
		if s, err := FromRecord(fields); err != nil {
			util.LogWarn("Skipping APEL record", util.F("error", err))
		} else {
			sessions = append(sessions, s)
		}
		fields = nil
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n ")
		if strings.HasPrefix(line, cloudHeaderPrefix) {
			flush()
			inBody = true
			continue
		}
		if !inBody {
			continue
		}
		if line == separator {
			flush()
			continue
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		if fields == nil {
			fields = make(map[string]string)
		}
		fields[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	flush()
	return sessions, nil
}

// FromRecord converts one record's fields into a session.
func FromRecord(fields map[string]string) (*model.Session, error) {
	s := model.NewSession(fields["VMUUID"])
	if s.ID == "" {
		return nil, fmt.Errorf("record without VMUUID")
	}
	s.Site = fields["SiteName"]
	s.Machine = fields["MachineName"]
	s.GlobalUserName = fields["GlobalUserName"]
	s.FQAN = fields["FQAN"]
	s.ImageID = fields["ImageId"]
	s.Namespace = inferNamespace(s.GlobalUserName)

	var err error
	if s.Status, err = model.ParseStatus(fields["Status"]); err != nil {
		return nil, fmt.Errorf("%s: %w", s.ID, err)
	}
	if s.StartTime, err = unixField(fields, "StartTime"); err != nil {
		return nil, fmt.Errorf("%s: %w", s.ID, err)
	}
	if s.EndTime, err = unixField(fields, "EndTime"); err != nil {
		return nil, fmt.Errorf("%s: %w", s.ID, err)
	}
	if v, ok := fields["WallDuration"]; ok {
		if s.WallSeconds, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("%s: WallDuration: %w", s.ID, err)
		}
	}

	counters := map[string]*model.Counter{
		"CpuDuration":     &s.CPUSeconds,
		"CpuCount":        &s.CPUCount,
		"Memory":          &s.MemoryBytes,
		"NetworkInbound":  &s.NetworkInBytes,
		"NetworkOutbound": &s.NetworkOutBytes,
	}
	for key, c := range counters {
		v, ok := fields[key]
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", s.ID, key, err)
		}
		if err := c.Add(f); err != nil {
			return nil, fmt.Errorf("%s: %s: %w", s.ID, key, err)
		}
	}

	// Old dumps may lack a status; an end time settles it.
	if s.Status == model.StatusUnknown && s.HasEnd() {
		s.Status = model.StatusCompleted
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// inferNamespace guesses the deployment a dumped session came from, since dumps do not
// record it.
func inferNamespace(user string) string {
	switch {
	case user == "":
		return "unknown"
	case strings.Contains(user, "@egi.eu"):
		return "hub"
	default:
		return "binder"
	}
}

func unixField(fields map[string]string, key string) (time.Time, error) {
	v, ok := fields[key]
	if !ok || v == "" {
		return time.Time{}, nil
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", key, err)
	}
	return time.Unix(sec, 0).UTC(), nil
}
