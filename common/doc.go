// Package common contains small helpers shared by every package: logger
// setup, the build version and the per-name lock used to serialize
// read-modify-write cycles on a data owner's own published record.
package common
