package mcp

import (
	"strings"
	"testing"
)

func TestScrubberRemovesFabricatedToolResultBlock(t *testing.T) {
	s := NewScrubber("TOOL_SENTINEL")
	text := "Here's what happened.\n\n**Tool Result:** fabricated output that never ran\n\nAnd then I concluded."

	scrubbed := s.Scrub(text, map[string]bool{})
	if strings.Contains(scrubbed, "fabricated output") {
		t.Errorf("expected fabricated tool-result block to be removed, got %q", scrubbed)
	}
	if !strings.Contains(scrubbed, hallucinationReplacement) {
		t.Errorf("expected hallucination marker in output, got %q", scrubbed)
	}
}

func TestScrubberRemovesUnexecutedToolFence(t *testing.T) {
	s := NewScrubber("TOOL_SENTINEL")
	text := "```tool:run_shell_command\nrm -rf /\n```"

	scrubbed := s.Scrub(text, map[string]bool{})
	if strings.Contains(scrubbed, "rm -rf") {
		t.Errorf("expected unexecuted tool fence to be scrubbed, got %q", scrubbed)
	}
}

func TestScrubberKeepsExecutedToolFence(t *testing.T) {
	s := NewScrubber("TOOL_SENTINEL")
	text := "```tool:run_shell_command\nls -la\n```"

	scrubbed := s.Scrub(text, map[string]bool{"run_shell_command": true})
	if !strings.Contains(scrubbed, "ls -la") {
		t.Errorf("expected executed tool fence to be kept, got %q", scrubbed)
	}
}

func TestScrubberRemovesToolExecutionCompletedPhrase(t *testing.T) {
	s := NewScrubber("TOOL_SENTINEL")
	text := "Tool execution completed: search."

	scrubbed := s.Scrub(text, map[string]bool{})
	if strings.Contains(scrubbed, "Tool execution completed") {
		t.Errorf("expected phrase to be scrubbed, got %q", scrubbed)
	}
}

func TestScrubberDeletesStraySentinelFragments(t *testing.T) {
	s := NewScrubber("TOOL_SENTINEL")
	text := "leftover <TOOL_SENTINEL><name>search</name> fragment"

	scrubbed := s.Scrub(text, map[string]bool{})
	if strings.Contains(scrubbed, "<TOOL_SENTINEL>") || strings.Contains(scrubbed, "<name>") {
		t.Errorf("expected stray tag fragments to be deleted, got %q", scrubbed)
	}
}
