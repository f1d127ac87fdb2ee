package main

import (
	"flag"
	"time"
)

func runPricing(args []string) error {
	if len(args) < 1 {
		return configErrorf("pricing requires a subcommand: create, activate, schedule, rollback, list")
	}
	switch args[0] {
	case "create":
		return pricingCreate(args[1:])
	case "activate":
		return pricingActivate(args[1:])
	case "schedule":
		return pricingSchedule(args[1:])
	case "rollback":
		return pricingRollback(args[1:])
	case "list":
		return pricingList(args[1:])
	default:
		return configErrorf("unknown pricing subcommand %q", args[0])
	}
}

func pricingCreate(args []string) error {
	fs := flag.NewFlagSet("pricing create", flag.ExitOnError)
	campaign := fs.String("campaign", "", "campaign code or uuid")
	single := fs.Int64("single", 0, "cost of a single draw in points")
	multi10 := fs.Int64("multi10", 0, "cost of a ten-draw batch in points")
	discount := fs.Int64("discount-ppm", 0, "advertised multi-10 discount in ppm")
	createdBy := fs.String("created-by", "lotteryctl", "operator recorded on the version")
	fs.Parse(args)

	if *campaign == "" {
		return configErrorf("pricing create requires -campaign")
	}
	if *single <= 0 || *multi10 <= 0 {
		return configErrorf("pricing create requires positive -single and -multi10 costs")
	}
	params := campaignRef(*campaign)
	params["pricing"] = map[string]interface{}{
		"single_cost":           *single,
		"multi_10_cost":         *multi10,
		"multi_10_discount_ppm": *discount,
	}
	params["created_by"] = *createdBy
	result, err := callRPC("pricing_createVersion", params, true)
	if err != nil {
		return err
	}
	return printResult(result)
}

func pricingActivate(args []string) error {
	fs := flag.NewFlagSet("pricing activate", flag.ExitOnError)
	campaign := fs.String("campaign", "", "campaign code or uuid")
	version := fs.Int64("version", 0, "pricing version to activate")
	fs.Parse(args)

	if *campaign == "" || *version <= 0 {
		return configErrorf("pricing activate requires -campaign and a positive -version")
	}
	params := campaignRef(*campaign)
	params["version"] = *version
	result, err := callRPC("pricing_activateVersion", params, true)
	if err != nil {
		return err
	}
	return printResult(result)
}

func pricingSchedule(args []string) error {
	fs := flag.NewFlagSet("pricing schedule", flag.ExitOnError)
	campaign := fs.String("campaign", "", "campaign code or uuid")
	version := fs.Int64("version", 0, "pricing version to schedule")
	at := fs.String("at", "", "activation instant, RFC3339")
	fs.Parse(args)

	if *campaign == "" || *version <= 0 || *at == "" {
		return configErrorf("pricing schedule requires -campaign, -version, and -at")
	}
	effectiveAt, err := time.Parse(time.RFC3339, *at)
	if err != nil {
		return configErrorf("parse -at: %v", err)
	}
	params := campaignRef(*campaign)
	params["version"] = *version
	params["effective_at"] = effectiveAt.Format(time.RFC3339)
	result, err := callRPC("pricing_scheduleActivation", params, true)
	if err != nil {
		return err
	}
	return printResult(result)
}

func pricingRollback(args []string) error {
	fs := flag.NewFlagSet("pricing rollback", flag.ExitOnError)
	campaign := fs.String("campaign", "", "campaign code or uuid")
	version := fs.Int64("version", 0, "pricing version to roll back to")
	createdBy := fs.String("created-by", "lotteryctl", "operator recorded on the rollback version")
	fs.Parse(args)

	if *campaign == "" || *version <= 0 {
		return configErrorf("pricing rollback requires -campaign and a positive -version")
	}
	params := campaignRef(*campaign)
	params["version"] = *version
	params["created_by"] = *createdBy
	result, err := callRPC("pricing_rollbackToVersion", params, true)
	if err != nil {
		return err
	}
	return printResult(result)
}

func pricingList(args []string) error {
	fs := flag.NewFlagSet("pricing list", flag.ExitOnError)
	campaign := fs.String("campaign", "", "campaign code or uuid")
	fs.Parse(args)

	if *campaign == "" {
		return configErrorf("pricing list requires -campaign")
	}
	result, err := callRPC("pricing_listVersions", campaignRef(*campaign), true)
	if err != nil {
		return err
	}
	return printResult(result)
}
