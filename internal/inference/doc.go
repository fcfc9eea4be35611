// Package inference bounds concurrent calls into the recognition and voice
// activity capabilities. Callers block until a slot is free or their context ends.
package inference
