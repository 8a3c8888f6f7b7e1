// This package defines the migration type consumed by the internal database
// migrator. Each subsystem declares its own ordered list of migrations.
package migration

import "database/sql"

type Migration struct {
	Name string
	Func func(*sql.Tx) error
}

func (m *Migration) String() string {
	return m.Name
}
