package truth

// Sync is the entry point the tool pipeline's result step calls: given one
// bash/exec tool result, it derives or resolves a TruthFact and keeps the
// TaskLedger's blockers in step with it (spec §4.9 step 4, scenario S5).
type Sync struct {
	Facts *Store
	Tasks *Ledger
}

// NewSync wires a fresh Store and Ledger together.
func NewSync() *Sync {
	return &Sync{Facts: NewStore(), Tasks: NewLedger()}
}

// RecordCommandResult derives a command_failure fact from a tool result (or
// resolves a prior active one on success) and syncs the linked blocker.
// itemID, when non-empty, is the TaskState item blocked/unblocked by this
// command — e.g. the item currently "doing" when the command was run.
func (s *Sync) RecordCommandResult(sessionID, command string, success bool, exitCode int, output, evidenceID, itemID string) {
	if success && exitCode == 0 {
		if f, ok := s.Facts.Resolve(sessionID, KindCommandFailure, command, evidenceID); ok {
			s.Tasks.SyncFromFact(sessionID, f, itemID)
		}
		return
	}

	fact, ok := DeriveCommandFailure(sessionID, command, success, exitCode, output, evidenceID)
	if !ok {
		return
	}
	fact = s.Facts.Upsert(fact)
	s.Tasks.SyncFromFact(sessionID, fact, itemID)
}

// ClearSession tears down both the fact store and task ledger for a session.
func (s *Sync) ClearSession(sessionID string) {
	s.Facts.ClearSession(sessionID)
	s.Tasks.ClearSession(sessionID)
}
