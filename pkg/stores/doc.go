// Package stores provides the SQLite journal of provisioning events. It
// records every workflow step outcome and every template folder left
// without its settings template, so operators can find and clean up
// partial installs.
package stores
