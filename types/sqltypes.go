package types

import "github.com/lib/pq"

// StringArray maps Postgres text[] columns, used for forgotten_by lists.
type StringArray = pq.StringArray
