package models

// Actor is the authenticated caller supplied by the session collaborator.
type Actor struct {
	ID    string
	Email string
	Admin bool
}
