// Package internal contains the implementation packages of the attitude CLI.
//
// # Package Organization
//
// The internal packages are organized by functional domain:
//
//   - keys: key definitions, file matchers and per-page key values
//   - hooks: phased hook dispatch with forked contexts and merge
//   - pageconfig: decoding of declarative page dotfiles (JSON, YAML, HCL)
//   - pagetree: the page tree parser and the immutable Tree it produces
//   - attitudes: built-in attitudes and loading of extension plugins
//   - bundler: the bundler contract and the reference file bundler
//   - watcher: fsnotify integration and the debounced change aggregator
//   - rebuild: the orchestrator deciding between recompile and re-parse
//   - server: per-generation routers, live reload and status pages
//   - metrics: Prometheus instrumentation of parses, compiles and ticks
//   - config, logging, errors, version: the ambient stack
//
// # Data Flow
//
// The watcher pushes raw events into the aggregator. Every tick hands one
// batch to the orchestrator, which either asks the bundler to recompile or
// re-parses the page tree, reconfigures the bundler and mounts a new router
// generation on the server.
package internal
