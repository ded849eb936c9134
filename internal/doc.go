// Package internal contains the core implementation packages for hotswap.
//
// # Package Organization
//
// The internal packages are organized by functional domain:
//
//   - config: application settings (viper) and bundler build configurations
//   - build: the esbuild compiler and the rebuild loop with its metrics
//   - watcher: file system monitoring with debouncing
//   - sandbox: a fresh JavaScript runtime per server bundle, one at a time
//   - webapp: the Express-style application programs build
//   - jsbridge: exposes webapp and native modules to JavaScript
//   - intercept: keeps one application and its listener across runs and
//     swaps the handlers registered at each position
//   - devassets: in-memory client bundle and hot update channels
//   - server: composes all of the above
//   - errors, logging, version: shared support
//
// # Rebuild Cycle
//
// A source change reaches the watcher, which triggers the orchestrator. A
// failed compile is logged and the cycle ends with the previous handlers
// still serving. A successful compile is evaluated in the sandbox; the
// program's require of the framework module is answered by the
// interceptor, whose wrapper hands each registration to the slot at its
// position. Requests wait on the sandbox loop while a cycle runs.
package internal
