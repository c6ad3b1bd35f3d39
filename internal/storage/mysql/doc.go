// Package mysql provides the MySQL backed pending confirmation store. It owns
// connection pooling and DSN normalisation, and runs the embedded schema
// migrations before handing out a store.
package mysql
