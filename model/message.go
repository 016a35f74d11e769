package model

// RawItem is one unread email fetched from a mail source. It is never
// modified after the source hands it out; ID is its identity.
type RawItem struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Envelope wraps an item alongside an optional error encountered while decoding.
type Envelope struct {
	Item RawItem
	Err  error
}
