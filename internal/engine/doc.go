// Package engine is the single-writer core of the session: the typed
// action model and the pipeline that applies actions to the canonical
// state, persists them and publishes the result.
package engine
