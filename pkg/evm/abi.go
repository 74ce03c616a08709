package evm

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const preMarketABIJSON = `[
{"inputs":[{"name":"offerType","type":"uint8"},{"name":"tokenId","type":"bytes32"},{"name":"amount","type":"uint256"},{"name":"value","type":"uint256"},{"name":"exToken","type":"address"},{"name":"fullMatch","type":"bool"}],"name":"newOffer","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"name":"offerType","type":"uint8"},{"name":"tokenId","type":"bytes32"},{"name":"amount","type":"uint256"},{"name":"value","type":"uint256"},{"name":"fullMatch","type":"bool"}],"name":"newOfferETH","outputs":[],"stateMutability":"payable","type":"function"},
{"inputs":[{"name":"offerId","type":"uint256"},{"name":"amount","type":"uint256"}],"name":"fillOffer","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"name":"offerId","type":"uint256"},{"name":"amount","type":"uint256"}],"name":"fillOfferETH","outputs":[],"stateMutability":"payable","type":"function"},
{"inputs":[{"name":"offerId","type":"uint256"}],"name":"cancelOffer","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"name":"buyOfferId","type":"uint256"},{"name":"sellOfferId","type":"uint256"},{"name":"amount","type":"uint256"}],"name":"matchOffers","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"name":"orderId","type":"uint256"}],"name":"settleFilled","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"name":"orderId","type":"uint256"}],"name":"settleCancelled","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"name":"","type":"uint256"}],"name":"offers","outputs":[{"name":"offerType","type":"uint8"},{"name":"tokenId","type":"bytes32"},{"name":"exToken","type":"address"},{"name":"amount","type":"uint256"},{"name":"value","type":"uint256"},{"name":"collateral","type":"uint256"},{"name":"filledAmount","type":"uint256"},{"name":"status","type":"uint8"},{"name":"offeredBy","type":"address"},{"name":"fullMatch","type":"bool"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"","type":"uint256"}],"name":"orders","outputs":[{"name":"offerId","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"seller","type":"address"},{"name":"buyer","type":"address"},{"name":"status","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"","type":"bytes32"}],"name":"tokens","outputs":[{"name":"token","type":"address"},{"name":"settleTime","type":"uint256"},{"name":"settleDuration","type":"uint256"},{"name":"settleRate","type":"uint256"},{"name":"status","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"config","outputs":[{"name":"pledgeRate","type":"uint256"},{"name":"feeRefund","type":"uint256"},{"name":"feeSettle","type":"uint256"},{"name":"feeWallet","type":"address"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"lastOfferId","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"lastOrderId","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"token","type":"address"}],"name":"isAcceptedToken","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
{"anonymous":false,"inputs":[{"indexed":true,"name":"id","type":"uint256"},{"indexed":false,"name":"offerType","type":"uint8"},{"indexed":true,"name":"tokenId","type":"bytes32"},{"indexed":false,"name":"exToken","type":"address"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"value","type":"uint256"},{"indexed":false,"name":"collateral","type":"uint256"},{"indexed":false,"name":"fullMatch","type":"bool"},{"indexed":true,"name":"doer","type":"address"}],"name":"NewOffer","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"name":"id","type":"uint256"},{"indexed":true,"name":"offerId","type":"uint256"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":true,"name":"seller","type":"address"},{"indexed":false,"name":"buyer","type":"address"}],"name":"NewOrder","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"name":"offerId","type":"uint256"},{"indexed":false,"name":"refundValue","type":"uint256"},{"indexed":false,"name":"refundFee","type":"uint256"},{"indexed":true,"name":"doer","type":"address"}],"name":"CancelOffer","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"name":"orderId","type":"uint256"},{"indexed":false,"name":"value","type":"uint256"},{"indexed":false,"name":"fee","type":"uint256"},{"indexed":true,"name":"doer","type":"address"}],"name":"SettleFilled","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"name":"orderId","type":"uint256"},{"indexed":false,"name":"value","type":"uint256"},{"indexed":false,"name":"fee","type":"uint256"},{"indexed":true,"name":"doer","type":"address"}],"name":"SettleCancelled","type":"event"}
]`

const erc20ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

var (
	preMarketABI = mustParseABI("pre-market", preMarketABIJSON)
	erc20ABI     = mustParseABI("erc20", erc20ABIJSON)
)

// PreMarketABI returns the parsed pre-market contract ABI.
func PreMarketABI() abi.ABI {
	return preMarketABI
}

func ERC20ABI() abi.ABI {
	return erc20ABI
}

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Errorf("parse %s ABI: %w", name, err))
	}
	return parsed
}
