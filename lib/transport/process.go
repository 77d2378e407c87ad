package transport

import (
	"fmt"
	"os"
	"os/exec"
)

// Process is a child module process reached over its stdio.
type Process struct {
	cmd    *exec.Cmd
	stream *Stream
}

// Spawn starts path and frames packets over its stdin/stdout.
// The child's stderr is inherited so it never corrupts the packet stream.
func Spawn(path string, args ...string) (*Process, error) {
	cmd := exec.Command(path, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	return &Process{
		cmd:    cmd,
		stream: NewStream(stdout, stdin, stdin),
	}, nil
}

// Transport returns the packet channel to the child.
func (p *Process) Transport() Transport {
	return p.stream
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Wait closes the child's stdin and waits for it to exit.
func (p *Process) Wait() error {
	p.stream.Close()
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("process exited with error: %w", err)
	}
	return nil
}

// Kill stops the child without waiting for a graceful exit.
func (p *Process) Kill() error {
	p.stream.Close()
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill process: %w", err)
	}
	p.cmd.Wait()
	return nil
}

// Stdio returns the child side of Spawn: packets over os.Stdin/os.Stdout.
func Stdio() *Stream {
	return NewStream(os.Stdin, os.Stdout)
}
