// Package inference holds the engine slot shared by all sessions of a pipeline.
package inference
