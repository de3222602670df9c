package audio

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// PipeWire discovers capture nodes through pw-link.
type PipeWire struct {
	// run executes pw-link and returns its stdout.
	run func(args ...string) ([]byte, error)
}

// NewPipeWire creates a new PipeWire instance
func NewPipeWire() *PipeWire {
	return &PipeWire{
		run: func(args ...string) ([]byte, error) {
			return exec.Command("pw-link", args...).Output()
		},
	}
}

// ListPorts returns all output ports, one "node:port" per entry.
func (pw *PipeWire) ListPorts() ([]string, error) {
	output, err := pw.run("-o")
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}

	var ports []string
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "Input ports:") && !strings.HasPrefix(line, "Output ports:") {
			ports = append(ports, line)
		}
	}
	return ports, nil
}

// Nodes returns the names usable as capture targets for kind. Microphones
// are nodes exposing capture ports; loopback targets are the monitors of
// playback sinks, named "<sink>.monitor" as the PulseAudio layer exposes
// them.
func (pw *PipeWire) Nodes(kind Kind) ([]string, error) {
	ports, err := pw.ListPorts()
	if err != nil {
		return nil, err
	}
	return nodesFromPorts(ports, kind), nil
}

func nodesFromPorts(ports []string, kind Kind) []string {
	seen := make(map[string]bool)
	var nodes []string
	for _, port := range ports {
		idx := strings.LastIndex(port, ":")
		if idx <= 0 {
			continue
		}
		node, name := port[:idx], port[idx+1:]

		var target string
		switch {
		case kind == KindMic && strings.HasPrefix(name, "capture_"):
			target = node
		case kind == KindLoopback && strings.HasPrefix(name, "monitor_"):
			target = node + ".monitor"
		default:
			continue
		}
		if !seen[target] {
			seen[target] = true
			nodes = append(nodes, target)
		}
	}
	sort.Strings(nodes)
	return nodes
}

// ValidateNode checks that a configured device is present. An empty name
// selects the server default and is always valid.
func (pw *PipeWire) ValidateNode(kind Kind, name string) error {
	if name == "" {
		return nil
	}
	nodes, err := pw.Nodes(kind)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n == name {
			return nil
		}
	}
	return fmt.Errorf("%s device not found: %s", kind, name)
}
