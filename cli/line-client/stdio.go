//go:build unix

package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	E "github.com/sagernet/sing-socket/common/exceptions"
	"github.com/sagernet/sing-socket/common/lineio"
	"github.com/sagernet/sing-socket/common/reactor"
	"github.com/sagernet/sing-socket/transport/stream"

	"github.com/ergochat/readline"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

var errEndOfInput = E.New("end of input")

type lineSource interface {
	ReadLine(ctx context.Context) (string, error)
	Close() error
}

type lineSink interface {
	WriteLine(text string) error
	Close() error
}

// pollable reports whether fd can be registered with the readiness watcher.
// Regular files cannot.
func pollable(fd int) bool {
	var stat unix.Stat_t
	if unix.Fstat(fd, &stat) != nil {
		return false
	}
	switch stat.Mode & unix.S_IFMT {
	case unix.S_IFIFO, unix.S_IFSOCK:
		return true
	}
	return false
}

func openSource() (lineSource, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		instance, err := readline.NewFromConfig(&readline.Config{
			Prompt:                 "> ",
			DisableAutoSaveHistory: true,
		})
		if err == nil {
			return &terminalSource{instance: instance}, nil
		}
		logger.Debug("readline unavailable: ", err)
	}
	if pollable(fd) {
		input := stream.NewInput(fd, stream.WithLogger(logger))
		err := input.Open()
		if err != nil {
			return nil, E.Cause(err, "open stdin")
		}
		return &streamSource{input: input}, nil
	}
	return &fileSource{scanner: bufio.NewScanner(os.Stdin)}, nil
}

type terminalSource struct {
	instance  *readline.Instance
	closeOnce sync.Once
}

func (s *terminalSource) ReadLine(ctx context.Context) (string, error) {
	line, err := s.instance.Readline()
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err == io.EOF || err == readline.ErrInterrupt {
		return "", errEndOfInput
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(line) != "" {
		s.instance.SaveToHistory(line)
	}
	return line, nil
}

func (s *terminalSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.instance.Close()
	})
	return err
}

type streamSource struct {
	input *stream.Input
}

func (s *streamSource) ReadLine(ctx context.Context) (string, error) {
	line, err := s.input.ReadLineContext(ctx, "\n", lineio.UTF8)
	if err == reactor.ErrNotConnected {
		rest := s.input.ReadToLength(s.input.BytesAvailable())
		if len(rest) == 0 {
			return "", errEndOfInput
		}
		line, err = string(rest), nil
	}
	return strings.TrimSuffix(line, "\r"), err
}

func (s *streamSource) Close() error {
	return s.input.Close()
}

// fileSource reads stdin redirected from a regular file.
type fileSource struct {
	scanner *bufio.Scanner
}

func (s *fileSource) ReadLine(ctx context.Context) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if !s.scanner.Scan() {
		if s.scanner.Err() != nil {
			return "", s.scanner.Err()
		}
		return "", errEndOfInput
	}
	return strings.TrimSuffix(s.scanner.Text(), "\r"), nil
}

func (s *fileSource) Close() error {
	return nil
}

func openSink() (lineSink, error) {
	fd := int(os.Stdout.Fd())
	if !pollable(fd) {
		return &writerSink{writer: os.Stdout}, nil
	}
	output := stream.NewOutput(fd, stream.WithLogger(logger))
	err := output.Open()
	if err != nil {
		return nil, E.Cause(err, "open stdout")
	}
	return &streamSink{output: output}, nil
}

type streamSink struct {
	output *stream.Output
}

func (s *streamSink) WriteLine(text string) error {
	return s.output.WriteLine(text, "\n", lineio.UTF8)
}

func (s *streamSink) Close() error {
	s.output.WaitForWrite(time.Second)
	return s.output.Close()
}

type writerSink struct {
	writer io.Writer
}

func (s *writerSink) WriteLine(text string) error {
	_, err := io.WriteString(s.writer, text+"\n")
	return err
}

func (s *writerSink) Close() error {
	return nil
}
