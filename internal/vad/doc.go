// Package vad provides energy-based voice activity detection.
// It splits a sample span into fixed windows, classifies each window by RMS level
// against a threshold, and merges consecutive voiced windows into speech spans.
package vad
