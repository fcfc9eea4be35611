// Package persist saves finalized utterances as WAV files for later inspection.
package persist
