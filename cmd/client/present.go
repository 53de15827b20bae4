package main

import (
	"fmt"
	"io"
	"strings"

	"barkingtalk/internal/callflow"
)

func printSummary(w io.Writer, s callflow.Summary) {
	if s.TopTalker != nil {
		fmt.Fprintf(w, "today's top talker: %s\n", s.TopTalker.Nickname)
	}
	if s.Feedback != "" {
		fmt.Fprintf(w, "feedback:\n  %s\n", strings.TrimSpace(s.Feedback))
	}
	for _, e := range s.Entries {
		fmt.Fprintf(w, "  #%d %s\n", e.Rank, e.Nickname)
	}
}

// printTranscript lists what the local recognizer heard during the call.
func printTranscript(w io.Writer, segments []string) {
	if len(segments) == 0 {
		fmt.Fprintln(w, "nothing was transcribed")
		return
	}
	fmt.Fprintln(w, "you said:")
	for _, seg := range segments {
		fmt.Fprintf(w, "  %s\n", seg)
	}
}
