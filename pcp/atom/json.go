package atom

import "encoding/json"

// MarshalJSON renders a child as {"identifier", "payload"}, with payload
// decoded per the identifier's declared wire shape. This is the shape
// the diagnostic sink (C9) emits for every atom it forwards.
func (c *Child) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Identifier string `json:"identifier"`
		Payload    any    `json:"payload"`
	}{
		Identifier: c.Identifier.String(),
		Payload:    c.renderedPayload(),
	})
}

// MarshalJSON renders a parent as {"identifier", "children"}.
func (p *Parent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Identifier string `json:"identifier"`
		Children   []Atom `json:"children"`
	}{
		Identifier: p.Identifier.String(),
		Children:   p.Children,
	})
}
