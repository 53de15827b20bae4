package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"barkingtalk/internal/callflow"
	"barkingtalk/internal/models"
	"barkingtalk/internal/review"
)

// newRater rates everyone with a fixed score, or asks on the terminal when
// rating is zero. The local participant is never rated.
func newRater(self string, rating int, in io.Reader, out io.Writer) callflow.Rater {
	if rating != 0 {
		return fixedRater{self: self, rating: rating}
	}
	return &promptRater{self: self, in: in, out: out}
}

type fixedRater struct {
	self   string
	rating int
}

func (r fixedRater) Rate(_ context.Context, entries []models.ReviewEntry) (map[string]int, error) {
	ratings := make(map[string]int, len(entries))
	for _, e := range entries {
		if e.ParticipantID != r.self {
			ratings[e.ParticipantID] = r.rating
		}
	}
	return ratings, nil
}

type promptRater struct {
	self  string
	in    io.Reader
	out   io.Writer
	lines chan string
}

// The scanner goroutine outlives a single Rate so an expired prompt does not
// lose the reader.
func (r *promptRater) scan() {
	r.lines = make(chan string)
	go func() {
		defer close(r.lines)
		sc := bufio.NewScanner(r.in)
		for sc.Scan() {
			r.lines <- sc.Text()
		}
	}()
}

func (r *promptRater) Rate(ctx context.Context, entries []models.ReviewEntry) (map[string]int, error) {
	if r.lines == nil {
		r.scan()
	}

	ratings := make(map[string]int, len(entries))
	for _, e := range entries {
		if e.ParticipantID == r.self {
			continue
		}
		for {
			fmt.Fprintf(r.out, "#%d %s (%s) rating %d-%d: ", e.Rank, e.Nickname, e.ParticipantID, review.MinRating, review.MaxRating)

			var line string
			var ok bool
			select {
			case <-ctx.Done():
				fmt.Fprintln(r.out)
				return nil, ctx.Err()
			case line, ok = <-r.lines:
			}
			if !ok {
				return nil, io.ErrUnexpectedEOF
			}

			n, err := strconv.Atoi(strings.TrimSpace(line))
			if err != nil || n < review.MinRating || n > review.MaxRating {
				fmt.Fprintf(r.out, "please enter a number from %d to %d\n", review.MinRating, review.MaxRating)
				continue
			}
			ratings[e.ParticipantID] = n
			break
		}
	}
	return ratings, nil
}
