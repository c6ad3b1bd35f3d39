// Package web3 defines the collaborator contracts used by the broadcast
// pipeline: decoding raw transaction bytes, signing them, submitting them and
// observing their confirmation. Concrete chain families live in
// sub-packages (see ethereum), and provider wires them per configured network.
package web3
