package errors

import (
	"strings"
)

// ErrorCode is a string representation of a specific error condition.
// Codes are "<MODULE>_<NNN>"; the module prefix groups related failures.
type ErrorCode string

func (c ErrorCode) String() string {
	return string(c)
}

// Common Error Codes
const (
	ErrCodeInternal           ErrorCode = "COMMON_001"
	ErrCodeBadRequest         ErrorCode = "COMMON_002"
	ErrCodeNotFound           ErrorCode = "COMMON_005"
	ErrCodeServiceUnavailable ErrorCode = "COMMON_008"
	ErrCodeValidation         ErrorCode = "COMMON_010"
	ErrCodeSerialization      ErrorCode = "COMMON_011"
	ErrCodeDatabaseError      ErrorCode = "COMMON_012"
	ErrCodeCacheError         ErrorCode = "COMMON_013"
	ErrCodeExternalService    ErrorCode = "COMMON_014"
)

// Aliases
const (
	CodeInternal     = ErrCodeInternal
	CodeInvalidParam = ErrCodeBadRequest
	CodeNotFound     = ErrCodeNotFound
	CodeOK           = ErrorCode("OK")
	CodeUnknown      = ErrorCode("UNKNOWN")
)

// Data (record projection) Error Codes
const (
	ErrCodeSchema           ErrorCode = "DATA_001"
	ErrCodeIndexOutOfRange  ErrorCode = "DATA_002"
	ErrCodeTargetNotNumeric ErrorCode = "DATA_003"
	ErrCodeTableRead        ErrorCode = "DATA_004"
	ErrCodeEmptyDataset     ErrorCode = "DATA_005"
)

// Tokenizer Error Codes
const (
	ErrCodeTokenizerUnavailable ErrorCode = "TOK_001"
	ErrCodeEmptySequence        ErrorCode = "TOK_002"
	ErrCodeVocabInvalid         ErrorCode = "TOK_003"
	ErrCodeRaggedEncoding       ErrorCode = "TOK_004"
)

// Training Error Codes
const (
	ErrCodeShapeMismatch     ErrorCode = "TRN_001"
	ErrCodeDeviceUnavailable ErrorCode = "TRN_002"
	ErrCodeNonFiniteLoss     ErrorCode = "TRN_003"
	ErrCodeForwardFailed     ErrorCode = "TRN_004"
	ErrCodeOptimizerFailed   ErrorCode = "TRN_005"
	ErrCodeTrainerConfig     ErrorCode = "TRN_006"
	ErrCodeBackwardFailed    ErrorCode = "TRN_007"
	ErrCodeBatchSource       ErrorCode = "TRN_008"
)

// ErrorCodeMessage maps ErrorCodes to default messages.
var ErrorCodeMessage = map[ErrorCode]string{
	ErrCodeInternal:           "internal error",
	ErrCodeBadRequest:         "bad request",
	ErrCodeNotFound:           "resource not found",
	ErrCodeServiceUnavailable: "service unavailable",
	ErrCodeValidation:         "validation failed",
	ErrCodeSerialization:      "serialization failed",
	ErrCodeDatabaseError:      "database error",
	ErrCodeCacheError:         "cache error",
	ErrCodeExternalService:    "external service error",

	ErrCodeSchema:           "expected input column missing",
	ErrCodeIndexOutOfRange:  "dataset index out of range",
	ErrCodeTargetNotNumeric: "target value is not numeric",
	ErrCodeTableRead:        "failed to read input table",
	ErrCodeEmptyDataset:     "dataset is empty",

	ErrCodeTokenizerUnavailable: "tokenizer resource cannot be loaded",
	ErrCodeEmptySequence:        "empty input sequence",
	ErrCodeVocabInvalid:         "invalid tokenizer vocabulary",
	ErrCodeRaggedEncoding:       "encodings cannot form a rectangular tensor",

	ErrCodeShapeMismatch:     "batch arrays have inconsistent shapes",
	ErrCodeDeviceUnavailable: "requested device unavailable",
	ErrCodeNonFiniteLoss:     "loss is not finite",
	ErrCodeForwardFailed:     "model forward pass failed",
	ErrCodeOptimizerFailed:   "optimizer step failed",
	ErrCodeTrainerConfig:     "invalid trainer configuration",
	ErrCodeBackwardFailed:    "gradient computation failed",
	ErrCodeBatchSource:       "batch source failed",
}

// DefaultMessageForCode returns the default message for an ErrorCode.
func DefaultMessageForCode(code ErrorCode) string {
	if msg, ok := ErrorCodeMessage[code]; ok {
		return msg
	}
	return "unknown error"
}

// ModuleForCode returns the module prefix of an ErrorCode.
func ModuleForCode(code ErrorCode) string {
	parts := strings.Split(string(code), "_")
	if len(parts) > 1 && parts[0] != "" {
		return parts[0]
	}
	return "UNKNOWN"
}
