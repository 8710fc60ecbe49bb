package overlay

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// Replier produces an AI reply for text spoken in a room.
type Replier interface {
	Reply(ctx context.Context, roomID, text string) (string, error)
}

// Sink receives every reaction the Reactor produces, typically the peer
// data channel.
type Sink interface {
	Send(c Comment) error
}

const (
	DefaultMinCooldown = 3 * time.Second
	DefaultMaxCooldown = 5 * time.Second
	DefaultAIChance    = 0.15

	contextRunes = 500
)

// Back-channel phrases used when the AI is skipped or fails.
var aizuchi = []string{
	"うん", "うんうん", "なるほど", "そうなんだ", "へー", "ほー",
	"わかる", "それな", "確かに", "そっか", "そうだね", "いいね",
	"すごいね", "なんと", "マジで", "ほんとに", "わかるわかる",
	"そうそう", "あるある", "だよね", "ですよね", "おお",
	"ふむふむ", "なーるほど", "せやな", "そうね", "うむ",
}

var emotionalKeywords = []string{
	"辛い", "つらい", "悲しい", "嬉しい", "困って", "悩んで", "心配",
	"不安", "怖い", "楽しい", "幸せ", "最悪", "最高",
}

// ReactorOptions configure a Reactor. Zero values select the defaults.
type ReactorOptions struct {
	RoomID      string
	Replier     Replier
	Feed        *Feed
	Sink        Sink
	MinCooldown time.Duration
	MaxCooldown time.Duration
	// AIChance is the probability that an eligible utterance goes to the
	// AI instead of a local phrase. Negative disables the AI.
	AIChance float64
	Logger   *slog.Logger
}

// Reactor turns what a participant says into overlay comments: mostly short
// local back-channel phrases, occasionally an AI reply.
type Reactor struct {
	opts   ReactorOptions
	logger *slog.Logger

	mu           sync.Mutex
	lastReaction time.Time
	inFlight     bool
	history      []rune
	rng          *rand.Rand
	now          func() time.Time
}

func NewReactor(opts ReactorOptions) *Reactor {
	if opts.MinCooldown == 0 && opts.MaxCooldown == 0 {
		opts.MinCooldown, opts.MaxCooldown = DefaultMinCooldown, DefaultMaxCooldown
	}
	if opts.MaxCooldown < opts.MinCooldown {
		opts.MaxCooldown = opts.MinCooldown
	}
	if opts.AIChance == 0 {
		opts.AIChance = DefaultAIChance
	}
	if opts.Feed == nil {
		opts.Feed = NewFeed()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reactor{
		opts:   opts,
		logger: logger.With("component", "reactor"),
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now:    time.Now,
	}
}

// Feed returns the feed reactions are added to.
func (r *Reactor) Feed() *Feed {
	return r.opts.Feed
}

// React handles one final utterance. It returns the produced comment and
// true, or false when the utterance was skipped because of the cooldown or
// because an AI request is already running.
func (r *Reactor) React(ctx context.Context, text string) (Comment, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Comment{}, false
	}

	r.mu.Lock()
	now := r.now()
	cooldown := r.cooldown()
	if !r.lastReaction.IsZero() && now.Sub(r.lastReaction) < cooldown {
		r.mu.Unlock()
		r.logger.Debug("cooldown active, reaction skipped", "since", now.Sub(r.lastReaction), "cooldown", cooldown)
		return Comment{}, false
	}
	r.lastReaction = now
	r.remember(text)
	useAI := r.shouldUseAI(text)
	if useAI && r.inFlight {
		r.mu.Unlock()
		r.logger.Debug("AI request already in flight, reaction skipped")
		return Comment{}, false
	}
	if useAI {
		r.inFlight = true
	}
	prompt := string(r.history)
	phrase := aizuchi[r.rng.IntN(len(aizuchi))]
	r.mu.Unlock()

	var c Comment
	if useAI {
		c = r.askAI(ctx, prompt, phrase)
	} else {
		c = NewBotComment(phrase, false)
	}

	r.publish(c)
	return c, true
}

func (r *Reactor) askAI(ctx context.Context, prompt, fallback string) Comment {
	defer func() {
		r.mu.Lock()
		r.inFlight = false
		r.mu.Unlock()
	}()

	reply, err := r.opts.Replier.Reply(ctx, r.opts.RoomID, prompt)
	if err != nil {
		r.logger.Warn("AI reply failed, using local phrase", "room", r.opts.RoomID, "error", err)
		return NewBotComment(fallback, false)
	}
	return NewBotComment(reply, true)
}

func (r *Reactor) publish(c Comment) {
	r.opts.Feed.Add(c)
	if r.opts.Sink == nil {
		return
	}
	if err := r.opts.Sink.Send(c); err != nil {
		r.logger.Debug("reaction not sent to peer", "error", err)
	}
}

// cooldown is drawn fresh for every utterance. Caller holds mu.
func (r *Reactor) cooldown() time.Duration {
	spread := r.opts.MaxCooldown - r.opts.MinCooldown
	if spread <= 0 {
		return r.opts.MinCooldown
	}
	return r.opts.MinCooldown + time.Duration(r.rng.Int64N(int64(spread)))
}

// remember keeps the most recent utterances as context for the AI. Caller
// holds mu.
func (r *Reactor) remember(text string) {
	r.history = append(r.history, []rune(text+" ")...)
	if n := len(r.history); n > contextRunes {
		r.history = r.history[n-contextRunes:]
	}
}

// Caller holds mu.
func (r *Reactor) shouldUseAI(text string) bool {
	if r.opts.Replier == nil || r.opts.AIChance < 0 {
		return false
	}
	if r.rng.Float64() >= r.opts.AIChance {
		return false
	}
	return isEmotional(text)
}

func isEmotional(text string) bool {
	if strings.ContainsAny(text, "?？") {
		return true
	}
	for _, kw := range emotionalKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
