package walletmigrate

// Command is one CLI operation. Parse returns one of the types below and
// Main dispatches on its concrete type.
type Command interface {
	Name() string
}

// RunCommand starts the HTTP service. On startup it restores migration state
// from the record store and resumes episodes this instance owns.
type RunCommand struct{}

func (c *RunCommand) Name() string {
	return "run"
}

// MigrateCommand migrates one wallet in the foreground and exits when the
// episode is finished or another process is found to own it.
type MigrateCommand struct {
	Wallet string
}

func (c *MigrateCommand) Name() string {
	return "migrate"
}

// StatusCommand prints a wallet's migration record and record format counts.
type StatusCommand struct {
	Wallet string
}

func (c *StatusCommand) Name() string {
	return "status"
}
