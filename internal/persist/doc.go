// Package persist hydrates a state.Store from the KV store on startup and
// writes the persisted projection (serverPort, serverConfig, theme,
// buttonState, downloadHistory) back whenever it changes.
package persist
