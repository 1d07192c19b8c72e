// Package source supplies raw RGB24 frames to a streamer: a reader that
// splits a byte stream into frames, a generated test pattern, and a pacer
// that holds the output at a steady frame rate by repeating the last frame
// when the producer has nothing new.
package source
