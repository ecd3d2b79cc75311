package ledger

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/tidwall/gjson"
)

const (
	methodIsOperational      = "isOperational"
	methodSetOperatingStatus = "setOperatingStatus"
	methodRegistrationFee    = "REGISTRATION_FEE"
	methodRegisterOracle     = "registerOracle"
	methodGetMyIndexes       = "getMyIndexes"
	methodSubmitResponse     = "submitOracleResponse"

	EventOracleRequest = "OracleRequest"
)

// AppABIJSON is the subset of FlightSuretyApp the daemon calls.
const AppABIJSON = `[
  {"type":"function","name":"isOperational","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"setOperatingStatus","stateMutability":"nonpayable","inputs":[{"name":"mode","type":"bool"}],"outputs":[]},
  {"type":"function","name":"REGISTRATION_FEE","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"registerOracle","stateMutability":"payable","inputs":[],"outputs":[]},
  {"type":"function","name":"getMyIndexes","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8[3]"}]},
  {"type":"function","name":"submitOracleResponse","stateMutability":"nonpayable","inputs":[
    {"name":"index","type":"uint8"},
    {"name":"airline","type":"address"},
    {"name":"flight","type":"string"},
    {"name":"timestamp","type":"uint256"},
    {"name":"statusCode","type":"uint8"}],"outputs":[]},
  {"type":"event","name":"OracleRequest","anonymous":false,"inputs":[
    {"name":"index","type":"uint8","indexed":false},
    {"name":"airline","type":"address","indexed":false},
    {"name":"flight","type":"string","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}]},
  {"type":"event","name":"OracleReport","anonymous":false,"inputs":[
    {"name":"airline","type":"address","indexed":false},
    {"name":"flight","type":"string","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false},
    {"name":"status","type":"uint8","indexed":false}]},
  {"type":"event","name":"FlightStatusInfo","anonymous":false,"inputs":[
    {"name":"airline","type":"address","indexed":false},
    {"name":"flight","type":"string","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false},
    {"name":"status","type":"uint8","indexed":false}]}
]`

// DataABIJSON is the subset of FlightSuretyData used for diagnostics.
const DataABIJSON = `[
  {"type":"function","name":"isOperational","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
  {"type":"event","name":"AirlineRegistered","anonymous":false,"inputs":[
    {"name":"airline","type":"address","indexed":true}]},
  {"type":"event","name":"AirlineFunded","anonymous":false,"inputs":[
    {"name":"airline","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"FlightRegistered","anonymous":false,"inputs":[
    {"name":"flightKey","type":"bytes32","indexed":true}]},
  {"type":"event","name":"InsuranceBought","anonymous":false,"inputs":[
    {"name":"passenger","type":"address","indexed":true},
    {"name":"flightKey","type":"bytes32","indexed":false},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"InsureeCredited","anonymous":false,"inputs":[
    {"name":"passenger","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"Paid","anonymous":false,"inputs":[
    {"name":"passenger","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]}
]`

// LoadABI reads the "abi" array of a truffle build artifact, or parses
// fallback when path is empty.
func LoadABI(path, fallback string) (abi.ABI, error) {
	if path == "" {
		parsed, err := abi.JSON(strings.NewReader(fallback))
		if err != nil {
			return abi.ABI{}, fmt.Errorf("failed to parse built-in abi: %w", err)
		}
		return parsed, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to read artifact %s: %w", path, err)
	}

	res := gjson.GetBytes(data, "abi")
	if !res.Exists() || !res.IsArray() {
		return abi.ABI{}, fmt.Errorf("artifact %s has no abi array", path)
	}

	parsed, err := abi.JSON(strings.NewReader(res.Raw))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse abi in %s: %w", path, err)
	}

	return parsed, nil
}

// RequireMethods checks that parsed declares every name.
func RequireMethods(parsed abi.ABI, names ...string) error {
	for _, name := range names {
		if _, ok := parsed.Methods[name]; !ok {
			return fmt.Errorf("abi is missing method %s", name)
		}
	}

	return nil
}

// LoadAppABI loads the app contract ABI and checks it has everything the daemon calls.
func LoadAppABI(path string) (abi.ABI, error) {
	parsed, err := LoadABI(path, AppABIJSON)
	if err != nil {
		return abi.ABI{}, err
	}

	if err := RequireMethods(parsed, methodIsOperational, methodSetOperatingStatus, methodRegistrationFee,
		methodRegisterOracle, methodGetMyIndexes, methodSubmitResponse); err != nil {
		return abi.ABI{}, err
	}

	if _, ok := parsed.Events[EventOracleRequest]; !ok {
		return abi.ABI{}, fmt.Errorf("abi is missing event %s", EventOracleRequest)
	}

	return parsed, nil
}

func LoadDataABI(path string) (abi.ABI, error) {
	return LoadABI(path, DataABIJSON)
}
