package offer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jholhewres/crux/pkg/crux/session"
)

const (
	summaryMarker = "[SUMMARY]"
	jsonMarker    = "[OFFER_JSON]"
)

// ErrNoOfferJSON is returned by Parse when the reply has no usable JSON block.
var ErrNoOfferJSON = errors.New("reply has no offer json")

// draft mirrors the JSON block the model is asked for.
type draft struct {
	OfferName        string `json:"offerName"`
	Avatar           string `json:"avatar"`
	Problem          string `json:"problem"`
	Promise          string `json:"promise"`
	PricePoint       string `json:"pricePoint"`
	UniqueMechanism  string `json:"uniqueMechanism"`
	ProgramStructure string `json:"programStructure"`
	Guarantees       string `json:"guarantees"`
	BackendSystems   string `json:"backendSystems"`
}

// Parse reads the summary and the JSON block out of a model reply.
func Parse(raw string) (*session.Offer, error) {
	head, body, ok := strings.Cut(raw, jsonMarker)
	if !ok {
		return nil, ErrNoOfferJSON
	}
	start, end := strings.Index(body, "{"), strings.LastIndex(body, "}")
	if start < 0 || end < start {
		return nil, ErrNoOfferJSON
	}

	var d draft
	if err := json.Unmarshal([]byte(body[start:end+1]), &d); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoOfferJSON, err)
	}
	if _, after, found := strings.Cut(head, summaryMarker); found {
		head = after
	}
	return &session.Offer{
		Name:             d.OfferName,
		Avatar:           d.Avatar,
		Problem:          d.Problem,
		Promise:          d.Promise,
		PricePoint:       d.PricePoint,
		UniqueMechanism:  d.UniqueMechanism,
		ProgramStructure: d.ProgramStructure,
		Guarantees:       d.Guarantees,
		BackendSystems:   d.BackendSystems,
		Summary:          strings.TrimSpace(head),
	}, nil
}

// Render formats a saved offer for chat.
func Render(o *session.Offer) string {
	var b strings.Builder
	name := o.Name
	if name == "" {
		name = "Your offer"
	}
	fmt.Fprintf(&b, "💼 **%s**", name)
	if o.Promise != "" {
		fmt.Fprintf(&b, "\n_%s_", o.Promise)
	}
	for _, f := range []struct{ label, value string }{
		{"Avatar", o.Avatar},
		{"Problem", o.Problem},
		{"Price", o.PricePoint},
		{"Unique mechanism", o.UniqueMechanism},
		{"Program structure", o.ProgramStructure},
		{"Guarantees", o.Guarantees},
		{"Backend systems", o.BackendSystems},
	} {
		if f.value != "" {
			fmt.Fprintf(&b, "\n**%s:** %s", f.label, f.value)
		}
	}
	if o.Summary != "" {
		fmt.Fprintf(&b, "\n\n%s", o.Summary)
	}
	return b.String()
}
