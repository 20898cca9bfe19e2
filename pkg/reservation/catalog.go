package reservation

import "strings"

// Architecture is a simulated platform a virtual board can be built from.
type Architecture struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	CPU      string `json:"cpu"`
	RAM      string `json:"ram"`
	Storage  string `json:"storage"`
	Category string `json:"category"`
}

// Architectures is the catalog of virtual board platforms.
var Architectures = []Architecture{
	{ID: "xeon-6-ap", Name: "Xeon 6 (Granite Rapids-AP)", CPU: "Intel® Xeon® 6980P (128C/256T)", RAM: "1TB DDR5-8800 MRDIMM", Storage: "30TB NVMe Gen5 Cluster", Category: "Data Center"},
	{ID: "xeon-5-sp", Name: "Xeon Scalable 5th Gen (Emerald Rapids)", CPU: "Intel® Xeon® Platinum 8592+ (64C/128T)", RAM: "512GB DDR5-5600", Storage: "16TB NVMe", Category: "Data Center"},
	{ID: "gaudi-3", Name: "Gaudi 3 AI Accelerator", CPU: "Intel® Gaudi® 3 (1835 TFLOPS)", RAM: "128GB HBM2e", Storage: "RoCEv2 High-Speed Fabric", Category: "AI Accelerator"},
	{ID: "xeon-w-3400", Name: "Xeon W-3400 (Sapphire Rapids)", CPU: "Intel® Xeon® w9-3495X (56C/112T)", RAM: "256GB DDR5 ECC", Storage: "4TB RAID0 NVMe", Category: "Workstation"},
	{ID: "arrow-lake-s", Name: "Core Ultra 200S (Arrow Lake)", CPU: "Intel® Core™ Ultra 9 285K", RAM: "64GB DDR5-6400", Storage: "2TB Gen5 NVMe", Category: "Desktop"},
	{ID: "raptor-lake-r", Name: "Core 14th Gen (Raptor Lake-R)", CPU: "Intel® Core™ i9-14900KS", RAM: "64GB DDR5-6000", Storage: "2TB Gen4 NVMe", Category: "Desktop"},
	{ID: "lunar-lake", Name: "Core Ultra 200V (Lunar Lake)", CPU: "Intel® Core™ Ultra 7 268V", RAM: "32GB LPDDR5x (MoP)", Storage: "1TB NVMe", Category: "Mobile"},
	{ID: "meteor-lake", Name: "Core Ultra (Meteor Lake)", CPU: "Intel® Core™ Ultra 7 165H", RAM: "32GB LPDDR5x", Storage: "1TB NVMe", Category: "Mobile"},
	{ID: "amston-lake", Name: "Atom x7000RE (Amston Lake)", CPU: "Intel® Atom® x7433RE", RAM: "16GB LPDDR5", Storage: "128GB UFS", Category: "Edge"},
	{ID: "alder-lake-n", Name: "Processor N-series (Alder Lake-N)", CPU: "Intel® Core™ i3-N305", RAM: "8GB DDR4", Storage: "256GB SSD", Category: "Edge"},
}

// FindArchitecture looks up a catalog entry by id.
func FindArchitecture(id string) (Architecture, bool) {
	for _, a := range Architectures {
		if a.ID == id {
			return a, true
		}
	}

	return Architecture{}, false
}

// boardName renders "Sim-<short arch name>-<suffix>", dropping any
// parenthesised codename.
func (a Architecture) boardName(suffix string) string {
	short, _, _ := strings.Cut(a.Name, "(")

	return "Sim-" + strings.Join(strings.Fields(short), "-") + "-" + suffix
}
