// Package store is the controller's single point of database contact.
//
// It reads consistent snapshots of the rule table and appends audit
// rows. The schema matches the external rule editor's; migrations of
// that schema are not this package's concern.
package store
