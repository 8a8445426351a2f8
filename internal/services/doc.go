// Package services holds the error taxonomy and context annotations shared by
// pipeline stages and backend clients.
package services
