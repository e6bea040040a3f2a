// Package notify sends operator alerts for market events (disputes,
// resolutions, voids) to chat channels such as Telegram and Discord.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

// Sender delivers one alert to a channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// DefaultEvents are the event types alerted on when none are configured.
var DefaultEvents = []domain.EventType{
	domain.EventOutcomeChallenged,
	domain.EventDisputeAdjudicated,
	domain.EventMarketResolved,
	domain.EventMarketVoided,
}

// Notifier fans alerts out to every sender, filtered by event type.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list selects
// DefaultEvents.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[domain.EventType]bool)
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	if len(allowed) == 0 {
		for _, e := range DefaultEvents {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Wants reports whether events of type t are alerted on.
func (n *Notifier) Wants(t domain.EventType) bool {
	return len(n.senders) > 0 && n.events[t]
}

// NotifyEvent formats ev and sends it when its type is selected.
func (n *Notifier) NotifyEvent(ctx context.Context, ev domain.Event) error {
	if !n.Wants(ev.Type) {
		return nil
	}
	title, msg := FormatEvent(ev)
	return n.dispatch(ctx, title, msg)
}

// NotifyAll sends to every sender regardless of the filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch delivers to every sender; one failing sender does not stop the
// others.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "notifier: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notifier: sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	return errors.Join(errs...)
}

// FormatEvent renders an alert title and body for ev.
func FormatEvent(ev domain.Event) (title, message string) {
	var b strings.Builder
	question := ""
	if ev.Market != nil {
		question = ev.Market.Question
	}
	fmt.Fprintf(&b, "Market #%d", ev.MarketID)
	if question != "" {
		fmt.Fprintf(&b, ": %s", question)
	}

	switch ev.Type {
	case domain.EventOutcomeChallenged:
		title = "Outcome challenged"
		fmt.Fprintf(&b, "\nChallenger %s disputes the proposal and claims %s.", ev.Participant.Hex(), strings.ToUpper(string(ev.Outcome)))
		if ev.Market != nil && ev.Market.Resolution.Kind != domain.ResolutionCrypto {
			b.WriteString("\nNeeds administrator adjudication.")
		}
	case domain.EventDisputeAdjudicated:
		title = "Dispute adjudicated"
		fmt.Fprintf(&b, "\nAdjudicated outcome: %s.", strings.ToUpper(string(ev.Outcome)))
	case domain.EventMarketResolved:
		title = "Market resolved"
		fmt.Fprintf(&b, "\nOutcome: %s.", strings.ToUpper(string(ev.Outcome)))
		if ev.Price != nil {
			fmt.Fprintf(&b, " Price: %s USD.", ev.Price.String())
		}
	case domain.EventMarketVoided:
		title = "Market voided"
		b.WriteString("\nAll positions and bonds refunded.")
	default:
		title = string(ev.Type)
	}
	if ev.Amount != nil && ev.Type != domain.EventMarketVoided {
		fmt.Fprintf(&b, "\nAmount: %s", domain.FormatUnits(ev.Amount))
	}
	fmt.Fprintf(&b, "\nseq %d at %s", ev.Seq, ev.At.UTC().Format("2006-01-02 15:04:05 MST"))
	return title, b.String()
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
