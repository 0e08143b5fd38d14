package internal

import (
	// database/sql drivers for the watermill sql transport and the River job inserter.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)
