package model

// Bank is a statement layout understood by the extraction service.
type Bank string

const (
	BankUnionBankOfIndia Bank = "UNION BANK OF INDIA"
	BankHDFC             Bank = "HDFC BANK"
	BankICICI            Bank = "ICICI BANK"
	BankKarnavati        Bank = "KARNAVATI BANK"
	BankKotakMahindra    Bank = "KOTAK MAHINDRA BANK"
)

// SupportedBanks lists the banks in the order they are offered to users.
var SupportedBanks = []Bank{
	BankUnionBankOfIndia,
	BankHDFC,
	BankICICI,
	BankKarnavati,
	BankKotakMahindra,
}
