package model

// Action is a named button carried by an approval attachment.
type Action struct {
	Name  string `json:"name"`
	Text  string `json:"text"`
	Style string `json:"style,omitempty"`
	Value string `json:"value"`
}

// Attachment is the notification metadata sent alongside the expense text.
// Notifiers translate it into their transport's own representation.
type Attachment struct {
	Fallback   string   `json:"fallback"`
	CallbackID string   `json:"callback_id"`
	Actions    []Action `json:"actions"`
}

// ApprovalAttachment returns the approve/reject attachment used for every
// submitted expense.
func ApprovalAttachment() Attachment {
	return Attachment{
		Fallback:   "Approve or reject the expense",
		CallbackID: "expense_approval",
		Actions: []Action{
			{Name: "approve", Text: "Approve", Style: "primary", Value: "approve"},
			{Name: "reject", Text: "Reject", Style: "danger", Value: "reject"},
		},
	}
}
