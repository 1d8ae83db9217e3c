package fs

import "errors"

// errNoSpace is free-sector exhaustion (spec.md section 7: "free-sector
// exhaustion (operation fails, caller surfaces false)").
var errNoSpace = errors.New("no free sectors")
