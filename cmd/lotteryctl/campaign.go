package main

import (
	"flag"

	"fortuna/config"
)

func runCampaign(args []string) error {
	if len(args) < 1 {
		return configErrorf("campaign requires a subcommand: apply, get, set-status, update-budget")
	}
	switch args[0] {
	case "apply":
		return campaignApply(args[1:])
	case "get":
		return campaignGet(args[1:])
	case "set-status":
		return campaignSetStatus(args[1:])
	case "update-budget":
		return campaignUpdateBudget(args[1:])
	default:
		return configErrorf("unknown campaign subcommand %q", args[0])
	}
}

// campaignRef builds the {campaign_id | code} reference the admin API accepts.
// Values that parse as a uuid travel as campaign_id, anything else as code.
func campaignRef(value string) map[string]interface{} {
	if value == "" {
		return map[string]interface{}{}
	}
	if isUUID(value) {
		return map[string]interface{}{"campaign_id": value}
	}
	return map[string]interface{}{"code": value}
}

func isUUID(value string) bool {
	if len(value) != 36 {
		return false
	}
	for i, r := range value {
		switch i {
		case 8, 13, 18, 23:
			if r != '-' {
				return false
			}
		default:
			hex := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
			if !hex {
				return false
			}
		}
	}
	return true
}

func campaignApply(args []string) error {
	fs := flag.NewFlagSet("campaign apply", flag.ExitOnError)
	bundlePath := fs.String("bundle", "", "path to the TOML campaign bundle")
	createdBy := fs.String("created-by", "lotteryctl", "operator recorded on the pricing version")
	fs.Parse(args)

	if *bundlePath == "" {
		return configErrorf("campaign apply requires -bundle")
	}
	bundle, err := config.LoadBundle(*bundlePath)
	if err != nil {
		return configErrorf("load bundle: %v", err)
	}
	if err := bundle.Validate(); err != nil {
		return configErrorf("bundle invalid: %v", err)
	}

	result, err := callRPC("campaign_create", map[string]interface{}{
		"bundle":     bundle,
		"created_by": *createdBy,
	}, true)
	if err != nil {
		return err
	}
	return printResult(result)
}

func campaignGet(args []string) error {
	fs := flag.NewFlagSet("campaign get", flag.ExitOnError)
	campaign := fs.String("campaign", "", "campaign code or uuid")
	fs.Parse(args)

	if *campaign == "" {
		return configErrorf("campaign get requires -campaign")
	}
	result, err := callRPC("campaign_get", campaignRef(*campaign), true)
	if err != nil {
		return err
	}
	return printResult(result)
}

func campaignSetStatus(args []string) error {
	fs := flag.NewFlagSet("campaign set-status", flag.ExitOnError)
	campaign := fs.String("campaign", "", "campaign code or uuid")
	status := fs.String("status", "", "target status: draft, active, paused, ended")
	fs.Parse(args)

	if *campaign == "" || *status == "" {
		return configErrorf("campaign set-status requires -campaign and -status")
	}
	params := campaignRef(*campaign)
	params["status"] = *status
	result, err := callRPC("campaign_setStatus", params, true)
	if err != nil {
		return err
	}
	return printResult(result)
}

func campaignUpdateBudget(args []string) error {
	fs := flag.NewFlagSet("campaign update-budget", flag.ExitOnError)
	campaign := fs.String("campaign", "", "campaign code or uuid")
	total := fs.Int64("total", -1, "new total budget in value points")
	fs.Parse(args)

	if *campaign == "" {
		return configErrorf("campaign update-budget requires -campaign")
	}
	if *total < 0 {
		return configErrorf("campaign update-budget requires a non-negative -total")
	}
	params := campaignRef(*campaign)
	params["total_budget"] = *total
	result, err := callRPC("campaign_updateBudget", params, true)
	if err != nil {
		return err
	}
	return printResult(result)
}
