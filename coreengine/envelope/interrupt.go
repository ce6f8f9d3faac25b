package envelope

import "time"

// InterruptResponse represents a human response to an interrupt.
type InterruptResponse struct {
	Text       *string        `json:"text,omitempty"`     // For clarification
	Approved   *bool          `json:"approved,omitempty"` // For confirmation / approvals
	Decision   *string        `json:"decision,omitempty"` // For review verdicts
	Data       map[string]any `json:"data,omitempty"`     // Extensible
	ReceivedAt time.Time      `json:"received_at"`
}

// FlowInterrupt is a first-class pause state carried on the envelope.
type FlowInterrupt struct {
	Kind      InterruptKind      `json:"kind"`
	ID        string             `json:"id"`
	Question  string             `json:"question,omitempty"`  // For clarification
	Message   string             `json:"message,omitempty"`   // For confirmation / review
	RaisedBy  string             `json:"raised_by,omitempty"` // Stage whose routing raised the pause
	Data      map[string]any     `json:"data,omitempty"`      // Extensible payload
	Response  *InterruptResponse `json:"response,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	ExpiresAt *time.Time         `json:"expires_at,omitempty"`
}

// InterruptOption is a functional option for configuring interrupts.
type InterruptOption func(*FlowInterrupt)

// WithQuestion sets the question for a clarification interrupt.
func WithQuestion(q string) InterruptOption {
	return func(i *FlowInterrupt) { i.Question = q }
}

// WithMessage sets the message for a confirmation or review interrupt.
func WithMessage(m string) InterruptOption {
	return func(i *FlowInterrupt) { i.Message = m }
}

// WithRaisedBy records the stage that raised the interrupt, used as the
// resume point when no resume stage is configured for the kind.
func WithRaisedBy(stage string) InterruptOption {
	return func(i *FlowInterrupt) { i.RaisedBy = stage }
}

// WithExpiry sets the expiry duration for an interrupt.
func WithExpiry(d time.Duration) InterruptOption {
	return func(i *FlowInterrupt) {
		t := time.Now().UTC().Add(d)
		i.ExpiresAt = &t
	}
}

// WithInterruptData sets additional data for an interrupt.
func WithInterruptData(d map[string]any) InterruptOption {
	return func(i *FlowInterrupt) { i.Data = d }
}

// IsExpired reports whether the interrupt is past its TTL.
func (i *FlowInterrupt) IsExpired() bool {
	return i.ExpiresAt != nil && time.Now().UTC().After(*i.ExpiresAt)
}

// Clone creates a deep copy of the FlowInterrupt.
func (i *FlowInterrupt) Clone() *FlowInterrupt {
	clone := &FlowInterrupt{
		Kind:      i.Kind,
		ID:        i.ID,
		Question:  i.Question,
		Message:   i.Message,
		RaisedBy:  i.RaisedBy,
		CreatedAt: i.CreatedAt,
	}
	if i.Data != nil {
		clone.Data = deepCopyAnyMap(i.Data)
	}
	if i.ExpiresAt != nil {
		t := *i.ExpiresAt
		clone.ExpiresAt = &t
	}
	if i.Response != nil {
		clone.Response = i.Response.Clone()
	}
	return clone
}

// Clone creates a deep copy of the InterruptResponse.
func (r *InterruptResponse) Clone() *InterruptResponse {
	clone := &InterruptResponse{ReceivedAt: r.ReceivedAt}
	if r.Text != nil {
		text := *r.Text
		clone.Text = &text
	}
	if r.Approved != nil {
		approved := *r.Approved
		clone.Approved = &approved
	}
	if r.Decision != nil {
		decision := *r.Decision
		clone.Decision = &decision
	}
	if r.Data != nil {
		clone.Data = deepCopyAnyMap(r.Data)
	}
	return clone
}
