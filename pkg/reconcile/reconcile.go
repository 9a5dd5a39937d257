// Package reconcile merges a point-in-time history fetch with a live stream
// that started concurrently with it.
//
// A Reconciler is owned by one thread of control. Begin starts a generation;
// live messages received while that generation's fetch is pending are
// buffered. Complete merges history and buffer into the target and switches
// to direct appends. Completions of older generations are discarded.
package reconcile

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/pairchat/pkg/chat"
)

// Target receives the reconciled sequence. *viewmodel.View implements it.
type Target interface {
	Messages() []chat.Message
	Replace(msgs []chat.Message)
	Append(m chat.Message) bool
	SetEmpty(empty bool)
	SetNotice(err error)
}

type Generation uint64

type Reconciler struct {
	target  Target
	gen     Generation
	pending bool
	buffer  []chat.Message
}

func New(target Target) *Reconciler {
	return &Reconciler{target: target}
}

// Begin starts buffering for a new fetch. Any earlier pending fetch becomes
// stale; its buffered live messages carry over.
func (r *Reconciler) Begin() Generation {
	r.gen++
	r.pending = true
	return r.gen
}

func (r *Reconciler) Pending() bool { return r.pending }

func (r *Reconciler) Buffered() int { return len(r.buffer) }

// Live accepts one live message.
func (r *Reconciler) Live(m chat.Message) {
	m.Origin = chat.OriginLive
	if r.pending {
		r.buffer = append(r.buffer, m)
		return
	}
	r.target.Append(m)
}

// Complete applies the result of the fetch started by gen. It reports false
// when the result is stale and was discarded.
//
// A failed fetch still releases the buffer: live messaging continues on top
// of what the target already shows and the failure is surfaced as a notice.
func (r *Reconciler) Complete(gen Generation, history []chat.Message, err error) bool {
	if gen != r.gen || !r.pending {
		log.Debug().Str("component", "reconcile").Uint64("generation", uint64(gen)).Msg("discarding stale history result")
		return false
	}
	r.pending = false
	var base []chat.Message
	if err != nil {
		if !errors.Is(err, chat.ErrHistoryFetchFailed) {
			err = errors.Wrap(chat.ErrHistoryFetchFailed, err.Error())
		}
		history = nil
		// Keep everything already shown, history included.
		base = r.target.Messages()
	} else {
		// Live messages already shown survive a re-fetch even if the
		// history service has not caught up with them yet.
		for _, m := range r.target.Messages() {
			if m.Origin == chat.OriginLive {
				base = append(base, m)
			}
		}
	}
	merged := Merge(history, append(base, r.buffer...))
	r.buffer = nil

	r.target.Replace(merged)
	r.target.SetNotice(err)
	r.target.SetEmpty(len(merged) == 0)
	return true
}

// Cancel discards a pending fetch, e.g. when the view is left.
func (r *Reconciler) Cancel() {
	r.gen++
	r.pending = false
	r.buffer = nil
}

// Merge returns history in its returned order followed by live, without
// duplicates, stably sorted by CreatedAt.
func Merge(history, live []chat.Message) []chat.Message {
	seen := chat.NewSeen()
	out := make([]chat.Message, 0, len(history)+len(live))
	for _, m := range history {
		m.Origin = chat.OriginHistory
		if seen.Remember(m) {
			out = append(out, m)
		}
	}
	for _, m := range live {
		if seen.Remember(m) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
