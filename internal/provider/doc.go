// Package provider defines the adapter layer between the queue engine and
// external AI services. Each supported provider is a tagged Adapter value
// carrying the functions the engine dispatches on: the item processor, the
// dedup key generator, and an optional retry policy override. The actual
// HTTP clients live behind the Processor interface.
package provider
