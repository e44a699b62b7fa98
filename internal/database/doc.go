// Package database opens and manages the relational store backing policy
// configuration and usage accounting. This package is internal and should
// not be imported by external projects.
package database
