// Package contracts names the on-chain surface of the OmniToken ledger and the
// LoyaltyProgramFactory. The bytecode behind these names is opaque to the
// orchestrator; only the method, view and event signatures listed here are
// relied upon.
package contracts

// Contract names as they appear in hardhat artifacts.
const (
	Token   = "OmniToken"
	Factory = "LoyaltyProgramFactory"
)

// OmniToken methods.
const (
	MethodTransferOwnership = "transferOwnership"
	MethodOwner             = "owner"
	MethodIsTrustedRelayer  = "isTrustedRelayer"
	MethodBalanceOf         = "balanceOf"
)

// LoyaltyProgramFactory methods.
const (
	MethodCreateLoyaltyProgram = "createLoyaltyProgram"
	MethodAddTrustedRelayer    = "addTrustedRelayer"
	MethodMintTokensToAddress  = "mintTokensToAddress"
)

// EventProgramCreated is emitted by the factory once a child program exists.
//
//	LoyaltyProgramCreated(address factoryAddress, address loyaltyProgramAddress,
//	                      address commerceAddress, string commerceName, uint256 timestamp)
//
// Earlier factory builds omit factoryAddress and timestamp; both shapes carry
// the fields below.
const EventProgramCreated = "LoyaltyProgramCreated"

// Payload fields of EventProgramCreated.
const (
	FieldFactory  = "factoryAddress"
	FieldProgram  = "loyaltyProgramAddress"
	FieldCommerce = "commerceAddress"
	FieldName     = "commerceName"
	FieldCreated  = "timestamp"
)
