package db

import (
	"strings"

	"github.com/teranos/reel/errors"
)

// ErrDatabaseClosed marks work that reached the job store after shutdown
// closed it.
var ErrDatabaseClosed = errors.New("database is closed")

// closedMessage is what database/sql reports for a closed *sql.DB.
const closedMessage = "database is closed"

// IsDatabaseClosed reports whether err came from a closed job database,
// either as ErrDatabaseClosed or as the driver's own error text. Workers
// and the ticker use it to tell shutdown noise from real store failures.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), closedMessage)
}
