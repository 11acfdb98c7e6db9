// Package librarydb is the local SQLite cache of the account library.
package librarydb
