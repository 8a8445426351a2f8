// Package corruption inspects input files before any expensive pipeline work
// begins. It validates existence, size, header magic against the declared
// extension, and coarse structural sanity for audio inputs.
package corruption
