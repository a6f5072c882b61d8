package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// votingABI is the contract surface the client talks to
const votingABI = `[
	{
		"inputs": [
			{"internalType": "bytes32", "name": "_voterHash", "type": "bytes32"},
			{"internalType": "string", "name": "_partyId", "type": "string"}
		],
		"name": "castVote",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "bytes32", "name": "_voterHash", "type": "bytes32"}],
		"name": "hasVoted",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "string", "name": "_partyId", "type": "string"}],
		"name": "getVoteCount",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "getTotalVotes",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "isVotingActive",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "bytes32", "name": "voterHash", "type": "bytes32"},
			{"indexed": false, "internalType": "string", "name": "partyId", "type": "string"},
			{"indexed": false, "internalType": "uint256", "name": "timestamp", "type": "uint256"}
		],
		"name": "VoteCast",
		"type": "event"
	}
]`

const (
	methodCastVote       = "castVote"
	methodHasVoted       = "hasVoted"
	methodGetVoteCount   = "getVoteCount"
	methodGetTotalVotes  = "getTotalVotes"
	methodIsVotingActive = "isVotingActive"
	eventVoteCast        = "VoteCast"
)

// ParsedABI returns the parsed voting contract ABI
func ParsedABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(votingABI))
}
