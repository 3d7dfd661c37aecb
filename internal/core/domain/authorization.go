package domain

// Authorization is the proof attached to a custody transfer.
// It is either an ExternalSignature or a DerivedCapability.
type Authorization interface {
	authorization()
}

// ExternalSignature is the proof of an external signer acting for itself.
type ExternalSignature struct {
	Identity string
}

func (ExternalSignature) authorization() {}

// DerivedCapability lets a session authorize transfers out of its own holding.
// It is reconstructed from the session seeds and can only be built by SignerFor.
type DerivedCapability struct {
	program   ProgramID
	sessionID string
	bump      uint8
}

func (DerivedCapability) authorization() {}

// SignerFor returns the derived capability of a session wallet.
func SignerFor(w *SessionWallet, program ProgramID) DerivedCapability {
	return DerivedCapability{
		program:   program,
		sessionID: w.SessionID,
		bump:      w.Bump,
	}
}

// Program returns the namespace the capability was derived in.
func (c DerivedCapability) Program() ProgramID {
	return c.program
}

// SessionID returns the seed session identifier.
func (c DerivedCapability) SessionID() string {
	return c.sessionID
}

// Address re-derives the address the capability speaks for.
func (c DerivedCapability) Address() (Address, error) {
	return CreateSessionAddress(c.program, c.sessionID, c.bump)
}
