package flow

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Record is the serialized form of a successful outcome. Optional fields are
// omitted rather than emitted as null.
type Record struct {
	IDToken      string    `json:"idToken,omitempty"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Claims       []Claim   `json:"claims"`
}

// Report maps an outcome to its record. The boolean is false for failed
// outcomes, in which case nothing must be written to the success channel.
func Report(o Outcome) (Record, bool) {
	if !o.OK() {
		return Record{}, false
	}
	t := o.Token()
	claims := t.Claims()
	if claims == nil {
		claims = []Claim{}
	}
	return Record{
		IDToken:      t.IDToken(),
		AccessToken:  t.AccessToken(),
		RefreshToken: t.RefreshToken(),
		ExpiresAt:    t.ExpiresAt(),
		Claims:       claims,
	}, true
}

// WriteJSON writes rec as indented JSON.
func WriteJSON(w io.Writer, rec Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
