// Package expressions builds the CEL environment route rule expressions run
// in and the helpers that feed requests into it.
package expressions

import (
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
)

// Variables every route rule expression can use.
const (
	VarRemoteAddress = "remoteAddress"
	VarHost          = "host"
	VarMethod        = "method"
	VarUserAgent     = "userAgent"
	VarPath          = "path"
	VarQuery         = "query"
	VarHeaders       = "headers"

	// VarHasToken is true when the request carries an admission token. It
	// says nothing about whether the token is valid.
	VarHasToken = "hasToken"

	// VarHasSignature is true when both signature headers are present.
	VarHasSignature = "hasSignature"

	// VarContentLength is the declared body size, -1 when unknown.
	VarContentLength = "contentLength"
)

// NewEnvironment creates the CEL environment route rule expressions are
// compiled against. Unknown variables and bad format calls fail at policy
// load time instead of per request.
func NewEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(
			ext.StringsLocale("en_US"),
			ext.StringsValidateFormatCalls(true),
		),

		cel.DefaultUTCTimeZone(true),

		cel.Variable(VarRemoteAddress, cel.StringType),
		cel.Variable(VarHost, cel.StringType),
		cel.Variable(VarMethod, cel.StringType),
		cel.Variable(VarUserAgent, cel.StringType),
		cel.Variable(VarPath, cel.StringType),
		cel.Variable(VarQuery, cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable(VarHeaders, cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable(VarHasToken, cel.BoolType),
		cel.Variable(VarHasSignature, cel.BoolType),
		cel.Variable(VarContentLength, cel.IntType),
	)
}

// Program turns a checked syntax tree into something that can be evaluated.
func Program(env *cel.Env, ast *cel.Ast) (cel.Program, error) {
	// regular expressions are compiled once here
	return env.Program(ast, cel.EvalOptions(cel.OptOptimize))
}
